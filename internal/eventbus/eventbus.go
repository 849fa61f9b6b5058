// Package eventbus provides best-effort internal pub/sub of pipeline
// state-transition events (scouted/recorded/approved/published/compiled),
// backed by an embedded NATS server so the module carries no external
// broker dependency.
//
// This is observability only: nothing in the five workers blocks on a
// publish, and a publish failure is logged and swallowed rather than
// propagated, mirroring the teacher's own stated contract for its
// notification-mode event publisher.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats-server/v2/server"

	"github.com/joaohenggeler/wanderer-go/internal/logging"
)

// Subject names one event topic published to the embedded NATS server.
type Subject string

const (
	SubjectScouted   Subject = "wanderer.snapshot.scouted"
	SubjectRecorded  Subject = "wanderer.snapshot.recorded"
	SubjectAborted   Subject = "wanderer.snapshot.aborted"
	SubjectApproved  Subject = "wanderer.snapshot.approved"
	SubjectRejected  Subject = "wanderer.snapshot.rejected"
	SubjectPublished Subject = "wanderer.snapshot.published"
	SubjectCompiled  Subject = "wanderer.compilation.created"
)

// Event is the payload published on every subject: the snapshot's
// identity and a short human-readable summary, plus whatever subject-
// specific detail the caller adds via Detail.
type Event struct {
	SnapshotID int64          `json:"snapshot_id,omitempty"`
	URL        string         `json:"url,omitempty"`
	State      string         `json:"state,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Bus owns the embedded NATS server and a Watermill publisher bound to
// it. A nil *Bus (returned when disabled) makes every method a no-op, so
// callers never need a nil check before calling Publish.
type Bus struct {
	ns        *server.Server
	publisher *Publisher
}

// Config configures the embedded server.
type Config struct {
	Enabled bool
	// StoreDir is handed to the embedded server as its store directory.
	// JetStream is disabled, so nothing is persisted there and no state
	// survives a restart, which is fine for a pure observability bus.
	StoreDir string
}

// Start launches the embedded NATS server and a bound publisher. It
// returns (nil, nil) when cfg.Enabled is false, so callers can always
// treat the returned *Bus uniformly.
func Start(cfg Config) (*Bus, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: "wanderer-eventbus",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		JetStream:  false,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: creating embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: embedded NATS server not ready within timeout")
	}

	logger := watermillLogAdapter{}
	pub, err := NewPublisher(ns.ClientURL(), logger)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: creating publisher: %w", err)
	}

	logging.Info().Str("url", ns.ClientURL()).Msg("eventbus: embedded NATS server started")

	return &Bus{ns: ns, publisher: pub}, nil
}

// Publish serializes evt and sends it on subject. Errors are logged at
// WARN and swallowed — no pipeline worker ever blocks or fails on an
// event-bus hiccup. Safe to call on a nil *Bus.
func (b *Bus) Publish(ctx context.Context, subject Subject, evt Event) {
	if b == nil || b.publisher == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	if err := b.publisher.PublishEvent(ctx, string(subject), evt); err != nil {
		logging.Warn().Err(err).Str("subject", string(subject)).Msg("eventbus: publish failed")
	}
}

// Close shuts down the publisher and the embedded server. Safe to call
// on a nil *Bus.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
	return firstErr
}

// watermillLogAdapter routes Watermill's own internal log lines through
// this module's zerolog-backed logger instead of Watermill's stdlib
// logger, matching the rest of the module's ambient logging convention.
type watermillLogAdapter struct {
	fields watermill.LogFields
}

func (a watermillLogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logging.Err(err).Fields(map[string]interface{}(mergeFields(a.fields, fields))).Msg("watermill: " + msg)
}

func (a watermillLogAdapter) Info(msg string, fields watermill.LogFields) {
	logging.Info().Fields(map[string]interface{}(mergeFields(a.fields, fields))).Msg("watermill: " + msg)
}

func (a watermillLogAdapter) Debug(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(mergeFields(a.fields, fields))).Msg("watermill: " + msg)
}

func (a watermillLogAdapter) Trace(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]interface{}(mergeFields(a.fields, fields))).Msg("watermill: " + msg)
}

func (a watermillLogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogAdapter{fields: mergeFields(a.fields, fields)}
}

func mergeFields(a, b watermill.LogFields) watermill.LogFields {
	merged := make(watermill.LogFields, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}
