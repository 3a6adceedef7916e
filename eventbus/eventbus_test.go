package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/devflow/devflow/domain"
)

func testEvents(t *testing.T) []domain.Event {
	t.Helper()
	meta, err := domain.NewPluginMetadata("hello", "1.0.0", "", "S")
	if err != nil {
		t.Fatal(err)
	}
	p, err := domain.NewPlugin(meta, "hello.js", "/plugins/hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RecordValidation(true, ""); err != nil {
		t.Fatal(err)
	}
	return p.DomainEvents()
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(func(_ context.Context, e domain.Event) {
		got = append(got, e.EventName())
	})

	for _, e := range testEvents(t) {
		if err := bus.Publish(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"plugin.registered", "plugin.validated"}
	if len(got) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	var a, b int
	bus.Subscribe(func(context.Context, domain.Event) { a++ })
	bus.Subscribe(func(context.Context, domain.Event) { b++ })

	events := testEvents(t)
	for _, e := range events {
		if err := bus.Publish(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	if a != len(events) || b != len(events) {
		t.Errorf("deliveries a=%d b=%d, want %d each", a, b, len(events))
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, domain.Event) error { return f.err }

func TestMultiAttemptsAll(t *testing.T) {
	bus := NewBus()
	var delivered int
	bus.Subscribe(func(context.Context, domain.Event) { delivered++ })

	boom := errors.New("nats down")
	multi := Multi{failingPublisher{err: boom}, bus}

	events := testEvents(t)
	err := multi.Publish(context.Background(), events[0])
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	// The second publisher still received the event.
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}
