package events

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startJetStream runs an embedded NATS server with JetStream on a random
// port, backed by a temp store dir.
func startJetStream(t *testing.T) string {
	t.Helper()

	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

var streamSeq atomic.Int64

// testNATSBus connects a bus with a per-test stream so tests do not see
// each other's subjects.
func testNATSBus(t *testing.T, url string, delivery DeliveryConfig) *NATSBus {
	t.Helper()

	seq := streamSeq.Add(1)
	cfg := DefaultNATSConfig(url)
	cfg.Stream = fmt.Sprintf("HELMSMAN_TEST_%d", seq)
	cfg.SubjectPrefix = fmt.Sprintf("helmsman.test%d", seq)
	cfg.AckWait = 2 * time.Second

	bus, err := NewNATSBus(cfg, delivery, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func shortDelivery() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts: 2,
		Backoff:     []time.Duration{10 * time.Millisecond},
		DedupWindow: time.Minute,
	}
}

func TestNATSBus_PublishSubscribeRoundTrip(t *testing.T) {
	url := startJetStream(t)
	bus := testNATSBus(t, url, shortDelivery())

	received := make(chan *Envelope, 1)
	require.NoError(t, bus.Subscribe(TradeCompleted, "roundtrip", func(_ context.Context, env *Envelope) error {
		received <- env
		return nil
	}))

	sent := completedEnvelope("t1", "run-1", "")
	require.NoError(t, bus.Publish(context.Background(), sent))

	select {
	case env := <-received:
		assert.Equal(t, sent.ID, env.ID)
		assert.Equal(t, "corr-1", env.CorrelationID)
		data, ok := env.Data.(*TradeCompletedData)
		require.True(t, ok, "payload must decode to its concrete type")
		assert.Equal(t, "t1", data.TradeID)
		assert.Equal(t, "AAPL", data.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not delivered")
	}
}

func TestNATSBus_StreamDropsDuplicatePublishes(t *testing.T) {
	url := startJetStream(t)
	bus := testNATSBus(t, url, shortDelivery())

	var calls atomic.Int64
	require.NoError(t, bus.Subscribe(TradeCompleted, "dedup", func(context.Context, *Envelope) error {
		calls.Add(1)
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, completedEnvelope("t1", "run-1", "completed-t1")))
	require.NoError(t, bus.Publish(ctx, completedEnvelope("t1", "run-1", "completed-t1")))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load(), "second publish must be absorbed by the duplicate window")
}

func TestNATSBus_RequeueRedeliversWithoutConsumingAttempts(t *testing.T) {
	url := startJetStream(t)
	// MaxAttempts 1: any handler error terminates the message on first
	// failure, so reaching success proves requeues bypass the counter.
	bus := testNATSBus(t, url, DeliveryConfig{
		MaxAttempts: 1,
		Backoff:     []time.Duration{10 * time.Millisecond},
		DedupWindow: time.Minute,
	})

	var calls atomic.Int64
	var succeeded atomic.Bool
	require.NoError(t, bus.Subscribe(TradeCompleted, "requeue", func(context.Context, *Envelope) error {
		if calls.Add(1) < 3 {
			return Requeue(10 * time.Millisecond)
		}
		succeeded.Store(true)
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), completedEnvelope("t1", "run-1", "")))

	assert.Eventually(t, succeeded.Load, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), calls.Load())
}

func TestNATSBus_TerminatesAfterDeliveryBudget(t *testing.T) {
	url := startJetStream(t)
	bus := testNATSBus(t, url, shortDelivery()) // MaxAttempts 2

	var calls atomic.Int64
	require.NoError(t, bus.Subscribe(TradeCompleted, "budget", func(context.Context, *Envelope) error {
		calls.Add(1)
		return assert.AnError
	}))

	require.NoError(t, bus.Publish(context.Background(), completedEnvelope("t1", "run-1", "")))

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(2), calls.Load(), "terminated message must not be redelivered")
}

func TestNATSBus_QueueGroupSplitsLoad(t *testing.T) {
	url := startJetStream(t)
	bus := testNATSBus(t, url, shortDelivery())

	var first, second atomic.Int64
	require.NoError(t, bus.Subscribe(TradeCompleted, "workers", func(context.Context, *Envelope) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, bus.Subscribe(TradeCompleted, "workers", func(context.Context, *Envelope) error {
		second.Add(1)
		return nil
	}))

	ctx := context.Background()
	const published = 10
	for i := 0; i < published; i++ {
		require.NoError(t, bus.Publish(ctx, completedEnvelope(fmt.Sprintf("t%d", i), "run-1", "")))
	}

	assert.Eventually(t, func() bool {
		return first.Load()+second.Load() == published
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(published), first.Load()+second.Load(),
		"each message goes to exactly one member of the group")
}

func TestNATSBus_PublishAfterCloseFails(t *testing.T) {
	url := startJetStream(t)
	bus := testNATSBus(t, url, shortDelivery())

	require.NoError(t, bus.Close())
	assert.Error(t, bus.Subscribe(TradeCompleted, "late", func(context.Context, *Envelope) error { return nil }))
}

func TestSanitizeDurable(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"execution-worker", "execution-worker"},
		{"api.event stream", "api_event_stream"},
		{"shard/2", "shard_2"},
		{"plain_name_1", "plain_name_1"},
	}
	for _, tc := range cases {
		got := sanitizeDurable(tc.in)
		assert.Equal(t, tc.want, got)
		assert.False(t, strings.ContainsAny(got, "./* >"), "durable names must avoid subject tokens")
	}
}
