// Package eventbus: see eventbus.go for the Bus type and its Start/Publish/Close
// lifecycle. Grounded on the teacher's internal/eventprocessor embedded-server
// wiring (cmd/server/nats_init.go, internal/eventprocessor/server.go) and its
// internal/sync/event_publisher.go EventPublisher contract, reduced from a
// durable JetStream event-sourcing pipeline to a single best-effort core-NATS
// fan-out: nothing downstream depends on these events for correctness.
package eventbus
