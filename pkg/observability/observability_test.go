package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerDropsBelowMinLevel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLogger(zap.New(core), Info)

	l.Log(Debug, "should not appear")
	l.Log(Info, "should appear")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "should appear", logs.All()[0].Message)
}

func TestLoggerInvokesCallback(t *testing.T) {
	l := NewLogger(nil, Debug)

	var gotLevel Level
	var gotMsg string
	l.SetCallback(func(level Level, message string, userData any) {
		gotLevel = level
		gotMsg = message
	}, nil)

	l.Errorf("boom %d", 42)
	require.Equal(t, Error, gotLevel)
	require.Equal(t, "boom 42", gotMsg)
}

func TestTracerParentChildShareTraceID(t *testing.T) {
	tr := NewTracer()
	var finished []*Span
	tr.SetExporter(func(s *Span) { finished = append(finished, s) })

	parent := tr.StartSpan("unary_call", nil)
	child := tr.StartSpan("send_message", parent)
	require.Equal(t, parent.TraceID, child.TraceID)
	require.Equal(t, parent.SpanID, child.ParentSpanID)

	child.AddTag("status", "ok")
	tr.Finish(child)
	tr.Finish(parent)

	require.Len(t, finished, 2)
	require.True(t, finished[0].End.After(finished[0].Start) || finished[0].End.Equal(finished[0].Start))
	require.Equal(t, "ok", finished[0].Tags["status"])
}

func TestSpanIDsAreSixteenHexChars(t *testing.T) {
	tr := NewTracer()
	s := tr.StartSpan("op", nil)
	require.Len(t, s.TraceID, 16)
	require.Len(t, s.SpanID, 16)
}

func TestRegistryCounterGaugeHistogram(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())
	reg.RegisterCounter("rpc_calls_total", "total calls", "method")
	reg.RegisterGauge("rpc_inflight", "in-flight calls", "method")
	reg.RegisterHistogram("rpc_latency_seconds", "call latency", nil, "method")

	reg.Inc("rpc_calls_total", "Echo")
	reg.Inc("rpc_calls_total", "Echo")
	reg.Set("rpc_inflight", 3, "Echo")
	reg.Observe("rpc_latency_seconds", 0.25, "Echo")

	m := &dto.Metric{}
	require.NoError(t, reg.counters["rpc_calls_total"].WithLabelValues("Echo").Write(m))
	require.Equal(t, float64(2), m.GetCounter().GetValue())

	m = &dto.Metric{}
	require.NoError(t, reg.gauges["rpc_inflight"].WithLabelValues("Echo").Write(m))
	require.Equal(t, float64(3), m.GetGauge().GetValue())
}

func TestRegistryIsIdempotentForSameName(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())
	c1 := reg.RegisterCounter("dup", "dup counter")
	c2 := reg.RegisterCounter("dup", "dup counter")
	require.Same(t, c1, c2)
}

func TestUnknownMetricNameIsNoOp(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())
	require.NotPanics(t, func() {
		reg.Inc("nope")
		reg.Set("nope", 1)
		reg.Observe("nope", 1)
	})
}
