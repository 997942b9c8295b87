// Package rpc implements Channel and Call: client RPC creation, the batch
// operation API, cancellation, and deadlines, layered on pkg/conn and
// pkg/stream.
package rpc

import (
	"github.com/rpctransport/rpctransport/pkg/metadata"
	"github.com/rpctransport/rpctransport/pkg/status"
)

// OpKind identifies one operation within a batch.
type OpKind int

const (
	SendInitialMetadata OpKind = iota
	SendMessage
	SendCloseFromClient
	RecvInitialMetadata
	RecvMessage
	RecvStatusOnClient
	SendStatusFromServer
	RecvCloseOnServer
)

func (k OpKind) String() string {
	switch k {
	case SendInitialMetadata:
		return "send-initial-metadata"
	case SendMessage:
		return "send-message"
	case SendCloseFromClient:
		return "send-close-from-client"
	case RecvInitialMetadata:
		return "recv-initial-metadata"
	case RecvMessage:
		return "recv-message"
	case RecvStatusOnClient:
		return "recv-status-on-client"
	case SendStatusFromServer:
		return "send-status-from-server"
	case RecvCloseOnServer:
		return "recv-close-on-server"
	default:
		return "unknown-op"
	}
}

// Op is one entry in a batch. Which fields are meaningful depends on Kind:
// SendMessage/RecvMessage use Message; SendInitialMetadata/
// SendStatusFromServer use Metadata/StatusCode/StatusDetail; outputs of
// Recv* ops are written back into OutMetadata/OutMessage/OutStatus so the
// caller can read them once the batch's single completion event arrives.
type Op struct {
	Kind OpKind

	Metadata     metadata.MD
	Message      []byte
	StatusCode   status.Code
	StatusDetail string

	OutMetadata *metadata.MD
	OutMessage  *[]byte
	OutStatus   **status.Status
}
