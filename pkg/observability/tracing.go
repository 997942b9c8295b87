package observability

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Span is one traced operation: trace-id and span-id (16 hex chars
// each), an optional parent-span-id, an operation name, start/end time, and
// a tag map. A span has no log list; tags are the only annotations.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Operation    string
	Start        time.Time
	End          time.Time
	Tags         map[string]string

	mu sync.Mutex
}

// Exporter is invoked once per finished span.
type Exporter func(*Span)

// Tracer starts and finishes spans, invoking the installed exporter when a
// span finishes.
type Tracer struct {
	mu       sync.Mutex
	exporter Exporter
}

// NewTracer returns a Tracer with no exporter installed.
func NewTracer() *Tracer {
	return &Tracer{}
}

// SetExporter installs the callback invoked once per finished span.
func (t *Tracer) SetExporter(exp Exporter) {
	t.mu.Lock()
	t.exporter = exp
	t.mu.Unlock()
}

// StartSpan begins a new span. If parent is non-nil, its TraceID is
// inherited and its SpanID becomes the new span's ParentSpanID.
func (t *Tracer) StartSpan(operation string, parent *Span) *Span {
	s := &Span{
		SpanID:    generateID(),
		Operation: operation,
		Start:     time.Now(),
		Tags:      make(map[string]string),
	}
	if parent != nil {
		s.TraceID = parent.TraceID
		s.ParentSpanID = parent.SpanID
	} else {
		s.TraceID = generateID()
	}
	return s
}

// AddTag attaches a key/value tag to the span.
func (s *Span) AddTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tags[key] = value
}

// Finish marks the span's end time and invokes the tracer's exporter.
func (t *Tracer) Finish(s *Span) {
	s.mu.Lock()
	s.End = time.Now()
	s.mu.Unlock()

	t.mu.Lock()
	exp := t.exporter
	t.mu.Unlock()
	if exp != nil {
		exp(s)
	}
}

func generateID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
