package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rpctransport/rpctransport/pkg/cq"
	"github.com/rpctransport/rpctransport/pkg/metadata"
	"github.com/rpctransport/rpctransport/pkg/observability"
	"github.com/rpctransport/rpctransport/pkg/rpc"
	"github.com/rpctransport/rpctransport/pkg/status"
)

// echoHandler reads one request message, echoes it back, and closes the
// call with OK.
func echoHandler(t *testing.T) Handler {
	return func(call *rpc.Call, method string) {
		q := call.Queue()

		var req []byte
		err := call.StartBatch([]rpc.Op{
			{Kind: rpc.RecvMessage, OutMessage: &req},
			{Kind: rpc.RecvCloseOnServer},
		}, "recv")
		if err != nil {
			t.Errorf("server recv batch: %v", err)
			return
		}
		ev := q.Wait(time.Now().Add(2 * time.Second))
		if ev.Kind != cq.OpComplete || !ev.Success {
			t.Errorf("server recv completion: kind=%v success=%v", ev.Kind, ev.Success)
			return
		}

		err = call.StartBatch([]rpc.Op{
			{Kind: rpc.SendInitialMetadata, Metadata: metadata.New("x-echo-method", method)},
			{Kind: rpc.SendMessage, Message: req},
			{Kind: rpc.SendStatusFromServer, StatusCode: status.OK},
		}, "send")
		if err != nil {
			t.Errorf("server send batch: %v", err)
			return
		}
		ev = q.Wait(time.Now().Add(2 * time.Second))
		if ev.Kind != cq.OpComplete || !ev.Success {
			t.Errorf("server send completion: kind=%v success=%v", ev.Kind, ev.Success)
		}
	}
}

// TestServerUnaryRoundTrip drives a full unary RPC from a Channel through a
// started Server over a real TCP listener.
func TestServerUnaryRoundTrip(t *testing.T) {
	srv := New(echoHandler(t), nil)
	port, err := srv.AddPort("127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NotZero(t, port)

	srv.RegisterCompletionQueue(cq.New())
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ch := rpc.NewChannel(fmt.Sprintf("127.0.0.1:%d", port), rpc.ChannelArgs{})
	defer ch.Close()

	q := cq.New()
	call, err := ch.NewCall(context.Background(), rpc.NewCallOptions{
		Method:   "/test.Echo/Ping",
		Host:     "localhost",
		Deadline: time.Now().Add(5 * time.Second),
		Queue:    q,
	})
	require.NoError(t, err)

	var respMD metadata.MD
	var respMsg []byte
	var respStatus *status.Status
	err = call.StartBatch([]rpc.Op{
		{Kind: rpc.SendInitialMetadata},
		{Kind: rpc.SendMessage, Message: []byte("hello server")},
		{Kind: rpc.SendCloseFromClient},
		{Kind: rpc.RecvInitialMetadata, OutMetadata: &respMD},
		{Kind: rpc.RecvMessage, OutMessage: &respMsg},
		{Kind: rpc.RecvStatusOnClient, OutStatus: &respStatus},
	}, "client")
	require.NoError(t, err)

	ev := q.Wait(time.Now().Add(5 * time.Second))
	require.Equal(t, cq.OpComplete, ev.Kind)
	require.True(t, ev.Success)
	require.Equal(t, "hello server", string(respMsg))
	require.NotNil(t, respStatus)
	require.Equal(t, status.OK, respStatus.Code)
	require.Equal(t, []string{"/test.Echo/Ping"}, respMD.Get("x-echo-method"))
}

func TestAddPortAfterStartRejected(t *testing.T) {
	srv := New(nil, nil)
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	_, err := srv.AddPort("127.0.0.1:0", nil)
	require.Error(t, err)
}

// Shutdown drains every registered queue: a waiter blocked on Wait observes
// a shutdown event rather than hanging.
func TestShutdownNotifiesQueues(t *testing.T) {
	srv := New(nil, nil)
	_, err := srv.AddPort("127.0.0.1:0", nil)
	require.NoError(t, err)

	q := cq.New()
	srv.RegisterCompletionQueue(q)
	require.NoError(t, srv.Start())

	done := make(chan cq.Event, 1)
	go func() { done <- q.Wait(time.Now().Add(5 * time.Second)) }()

	time.Sleep(50 * time.Millisecond)
	srv.Shutdown()

	select {
	case ev := <-done:
		require.Equal(t, cq.Shutdown, ev.Kind)
		require.False(t, ev.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never observed shutdown")
	}
}

// TestInvokeRoundTripWithObservability drives one unary call through
// Channel.Invoke against a started Server with every observability surface
// installed on both sides, and checks that each actually fired: one span
// per side, the per-method counters, and the level-gated logger callback.
func TestInvokeRoundTripWithObservability(t *testing.T) {
	serverTracer := observability.NewTracer()
	var serverSpans []*observability.Span
	var spanMu sync.Mutex
	serverTracer.SetExporter(func(s *observability.Span) {
		spanMu.Lock()
		serverSpans = append(serverSpans, s)
		spanMu.Unlock()
	})
	serverProm := prometheus.NewRegistry()
	serverMetrics := observability.NewRegistry(serverProm)

	srv := New(echoHandler(t), nil)
	srv.Observe(serverTracer, serverMetrics, observability.NewLogger(nil, observability.Debug))
	port, err := srv.AddPort("127.0.0.1:0", nil)
	require.NoError(t, err)
	srv.RegisterCompletionQueue(cq.New())
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	clientTracer := observability.NewTracer()
	var clientSpans []*observability.Span
	clientTracer.SetExporter(func(s *observability.Span) {
		spanMu.Lock()
		clientSpans = append(clientSpans, s)
		spanMu.Unlock()
	})
	clientProm := prometheus.NewRegistry()

	var loggedCalls []string
	callLog := observability.NewLogger(nil, observability.Debug)
	callLog.SetCallback(func(level observability.Level, message string, userData any) {
		loggedCalls = append(loggedCalls, message)
	}, nil)

	ch := rpc.NewChannel(fmt.Sprintf("127.0.0.1:%d", port), rpc.ChannelArgs{
		Tracer:     clientTracer,
		Metrics:    observability.NewRegistry(clientProm),
		CallLogger: callLog,
	})
	defer ch.Close()

	reply, st, err := ch.Invoke(context.Background(), "/test.Echo/Ping", []byte("observe me"), time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, status.OK, st.Code)
	require.Equal(t, "observe me", string(reply))

	spanMu.Lock()
	require.Len(t, clientSpans, 1)
	require.Equal(t, "unary_call", clientSpans[0].Operation)
	require.Equal(t, "/test.Echo/Ping", clientSpans[0].Tags["method"])
	require.Equal(t, "OK", clientSpans[0].Tags["status"])
	spanMu.Unlock()

	require.NotEmpty(t, loggedCalls)
	require.Equal(t, float64(1), counterValue(t, clientProm, "rpc_client_calls_total"))

	// The server's span and counter land after its handler goroutine
	// finishes, which can trail the client's completion slightly.
	require.Eventually(t, func() bool {
		spanMu.Lock()
		n := len(serverSpans)
		spanMu.Unlock()
		return n == 1 && counterValue(t, serverProm, "rpc_server_calls_total") == 1
	}, 2*time.Second, 20*time.Millisecond)
}

// counterValue sums a counter's samples across label values.
func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}
