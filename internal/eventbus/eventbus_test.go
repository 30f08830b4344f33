package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startBus(t *testing.T) (*Embedded, *Bus) {
	t.Helper()
	srv, err := StartEmbedded(EmbeddedConfig{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	bus, err := Connect(Config{URL: srv.ClientURL(), Name: "test"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return srv, bus
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "fleetflow.run.workflow.completed", Subject("fleetflow", "workflow", "completed"))
	assert.Equal(t, "ff.run.fleet.unknown", Subject("ff", "fleet", ""))
	assert.Equal(t, "ff.run.a_b.c_", Subject("ff", "a.b", "c*"))
}

func TestBus_PublishSubscribe(t *testing.T) {
	_, bus := startBus(t)

	got := make(chan Event, 4)
	sub, err := bus.Subscribe(bus.AllSubjects(), func(ev Event) { got <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	failed := make(chan Event, 4)
	_, err = bus.Subscribe("fleetflow.run.*.failed", func(ev Event) { failed <- ev })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Event{RunID: "r1", Kind: "workflow", Name: "triage", Status: "running", Step: "draft"}))
	require.NoError(t, bus.Publish(ctx, Event{RunID: "r2", Kind: "fleet", Name: "review", Status: "failed", ErrorCode: "CONSENSUS_FAILURE"}))
	require.NoError(t, bus.Flush(ctx))

	var events []Event
	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}
	assert.Equal(t, "r1", events[0].RunID)
	assert.Equal(t, "draft", events[0].Step)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, "CONSENSUS_FAILURE", events[1].ErrorCode)

	select {
	case ev := <-failed:
		assert.Equal(t, "r2", ev.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for failed event")
	}
	assert.True(t, bus.Healthy())
}

func TestBus_DropsMalformedMessages(t *testing.T) {
	srv, bus := startBus(t)

	got := make(chan Event, 1)
	_, err := bus.Subscribe(bus.AllSubjects(), func(ev Event) { got <- ev })
	require.NoError(t, err)

	raw, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.Publish("fleetflow.run.fleet.completed", []byte("not json")))
	require.NoError(t, raw.Flush())

	select {
	case <-got:
		t.Fatal("malformed event delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_PublishHonoursCancelledContext(t *testing.T) {
	_, bus := startBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, Event{RunID: "r1", Kind: "fleet", Status: "running"}), context.Canceled)
}

func TestNewWithConn_DoesNotOwnConnection(t *testing.T) {
	srv, _ := startBus(t)
	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	bus := NewWithConn(conn, "custom.", nil)
	assert.Equal(t, "custom.run.fleet.completed", bus.Subject(Event{Kind: "fleet", Status: "completed"}))
	require.NoError(t, bus.Close())
	assert.True(t, conn.IsConnected())
}
