package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowcore/internal/circuitbreaker"
	"github.com/mbd888/escrowcore/internal/escrow"
	"github.com/mbd888/escrowcore/internal/logging"
	"github.com/mbd888/escrowcore/internal/metrics"
)

func sampleEvent() escrow.Event {
	return escrow.Event{
		ID:            "evt_1",
		Action:        "fund",
		TransactionID: "tx_1",
		From:          escrow.StateCreated,
		To:            escrow.StateFunded,
		Actor:         escrow.SystemActor,
		Version:       3,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type recorder struct {
	mu     sync.Mutex
	events []escrow.Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e escrow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	failing := &recorder{err: errors.New("boom")}
	healthy := &recorder{}
	f := NewFanout().Add("broken", failing).Add("hub", healthy).Add("nil", nil)
	require.Equal(t, 2, f.Len())

	okBefore := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("hub", "ok"))
	errBefore := testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("broken", "error"))

	err := f.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")

	assert.Len(t, failing.events, 1)
	assert.Len(t, healthy.events, 1)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("hub", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.EventsPublishedTotal.WithLabelValues("broken", "error")))
}

func TestFanout_Empty(t *testing.T) {
	assert.NoError(t, NewFanout().Notify(context.Background(), sampleEvent()))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.NewWithWriter(&buf, "info", "json"))

	require.NoError(t, n.Notify(context.Background(), sampleEvent()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "escrow event", line["msg"])
	assert.Equal(t, "tx_1", line["transactionId"])
	assert.Equal(t, "funded", line["to"])
}

type fakeStream struct {
	mu       sync.Mutex
	adds     []*redis.XAddArgs
	failures int
	closed   bool
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, a)
	if f.failures > 0 {
		f.failures--
		return redis.NewStringResult("", errors.New("connection reset"))
	}
	return redis.NewStringResult("1700000000000-0", nil)
}

func (f *fakeStream) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func TestRedisStream_Notify(t *testing.T) {
	fake := &fakeStream{}
	rs := newRedisStream(fake, "escrow:events")

	require.NoError(t, rs.Notify(context.Background(), sampleEvent()))
	require.Len(t, fake.adds, 1)

	args := fake.adds[0]
	assert.Equal(t, "escrow:events", args.Stream)
	assert.True(t, args.Approx)
	assert.Equal(t, int64(DefaultMaxLen), args.MaxLen)

	values := args.Values.(map[string]any)
	assert.Equal(t, "fund", values["action"])
	assert.Equal(t, "tx_1", values["transaction_id"])

	var decoded escrow.Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, sampleEvent(), decoded)
}

func TestRedisStream_RetriesTransientFailure(t *testing.T) {
	fake := &fakeStream{failures: 2}
	rs := newRedisStream(fake, "escrow:events")

	require.NoError(t, rs.Notify(context.Background(), sampleEvent()))
	assert.Len(t, fake.adds, 3)
}

func TestRedisStream_GivesUp(t *testing.T) {
	fake := &fakeStream{failures: 10}
	rs := newRedisStream(fake, "escrow:events")

	err := rs.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Len(t, fake.adds, 3)
}

func TestRedisStream_PingAndClose(t *testing.T) {
	fake := &fakeStream{}
	rs := newRedisStream(fake, "escrow:events")

	assert.NoError(t, rs.Ping(context.Background()))
	assert.NoError(t, rs.Close())
	assert.True(t, fake.closed)
}

func TestNewRedisStream_InvalidURL(t *testing.T) {
	_, err := NewRedisStream("not-a-url", "escrow:events")
	assert.Error(t, err)
}

func TestGuarded_ShortCircuitsAfterFailures(t *testing.T) {
	sink := &recorder{err: errors.New("broker down")}
	n := Guarded("redis", sink, circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		assert.EqualError(t, n.Notify(context.Background(), sampleEvent()), "broker down")
	}
	err := n.Notify(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Len(t, sink.events, 2, "open circuit must not reach the sink")
}
