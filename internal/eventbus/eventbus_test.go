package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestDisabledBusIsNoOp(t *testing.T) {
	bus, err := Start(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Start(disabled): %v", err)
	}
	if bus != nil {
		t.Fatalf("expected nil bus when disabled, got %+v", bus)
	}

	// Publish and Close must be safe to call on a nil *Bus.
	bus.Publish(context.Background(), SubjectScouted, Event{SnapshotID: 1})
	if err := bus.Close(); err != nil {
		t.Errorf("Close on nil bus: %v", err)
	}
}

func TestBusPublishesWithoutError(t *testing.T) {
	bus, err := Start(Config{Enabled: true})
	if err != nil {
		t.Fatalf("Start(enabled): %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus.Publish(ctx, SubjectRecorded, Event{
		SnapshotID: 42,
		URL:        "http://example.com/",
		State:      "RECORDED",
		Detail:     map[string]any{"has_audio": true},
	})
}
