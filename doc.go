// Package rpctransport is a from-scratch RPC transport runtime built
// directly on HTTP/2: framing, HPACK header compression, flow control, a
// five-state stream machine, a batch-oriented call API driven through
// completion queues, name resolution, load balancing, and a keepalive
// connection pool.
//
// A client dials a Channel, creates Calls against it, and drives each
// call's lifecycle (send headers, send/receive messages, receive status)
// through StartBatch, the same atomic-batch shape the server side uses to
// answer requests. See pkg/rpc for Channel and Call, pkg/server for the
// listener side, and pkg/cq for the completion queue both sides poll.
package rpctransport

// Version identifies this module's release.
const Version = "0.1.0"
