// Package events is the in-process event bus between the engine and the
// host-facing transport. An embedded NATS server keeps deployment
// zero-dependency: the engine publishes per-chunk segment and progress
// events, and the host gateway subscribes and forwards them.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus. The request id is appended as the last
// token, so a subscriber can follow one request or use a wildcard.
const (
	SubjectSegmentPrefix  = "transcribe.segment"
	SubjectProgressPrefix = "transcribe.progress"
)

// ProgressEvent is emitted after each processed chunk.
type ProgressEvent struct {
	RequestID  string  `json:"request_id"`
	ChunkIndex int     `json:"chunk_index"`
	ChunkCount int     `json:"chunk_count"`
	CurrentMS  int64   `json:"current_ms"`
	TotalMS    int64   `json:"total_ms"`
	// SpeedFactor is wallclock elapsed over audio processed; under 1.0
	// means faster than real time.
	SpeedFactor float64 `json:"speed_factor"`
}

// SegmentEvent carries one chunk's transcript as soon as it is decoded.
type SegmentEvent struct {
	RequestID  string  `json:"request_id"`
	ChunkIndex int     `json:"chunk_index"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Bus wraps the embedded server and its client connection.
type Bus struct {
	ns   *server.Server
	conn *nats.Conn
}

// NewEmbedded starts an in-process NATS server on the given port (0 picks
// a free one) and connects to it.
func NewEmbedded(port int) (*Bus, error) {
	opts := &server.Options{
		Host:            "127.0.0.1",
		Port:            port,
		NoSigs:          true,
		JetStream:       false,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("events: creating embedded server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("events: embedded server not ready within 5s")
	}

	conn, err := nats.Connect(ns.ClientURL(), nats.Name("wakascribe-core"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("events: connecting to embedded server: %w", err)
	}

	slog.Info("event bus started", "url", ns.ClientURL())
	return &Bus{ns: ns, conn: conn}, nil
}

// PublishProgress emits a progress event for ev.RequestID.
func (b *Bus) PublishProgress(ev ProgressEvent) {
	b.publish(SubjectProgressPrefix+"."+ev.RequestID, ev)
}

// PublishSegment emits a segment event for ev.RequestID.
func (b *Bus) PublishSegment(ev SegmentEvent) {
	b.publish(SubjectSegmentPrefix+"."+ev.RequestID, ev)
}

func (b *Bus) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("event marshal failed", "subject", subject, "err", err)
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		slog.Warn("event publish failed", "subject", subject, "err", err)
	}
}

// SubscribeProgress delivers every progress event to fn until the
// subscription is drained.
func (b *Bus) SubscribeProgress(fn func(ProgressEvent)) (*nats.Subscription, error) {
	return b.conn.Subscribe(SubjectProgressPrefix+".>", func(m *nats.Msg) {
		var ev ProgressEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Warn("bad progress event", "err", err)
			return
		}
		fn(ev)
	})
}

// SubscribeSegments delivers every segment event to fn.
func (b *Bus) SubscribeSegments(fn func(SegmentEvent)) (*nats.Subscription, error) {
	return b.conn.Subscribe(SubjectSegmentPrefix+".>", func(m *nats.Msg) {
		var ev SegmentEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Warn("bad segment event", "err", err)
			return
		}
		fn(ev)
	})
}

// Close drains the connection and shuts the embedded server down.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
}
