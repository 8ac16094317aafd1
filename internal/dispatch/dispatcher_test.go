package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	event   domain.Event
}

type fakePublisher struct {
	mu      sync.Mutex
	out     []published
	failFor map[string]error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[channel]; err != nil {
		return err
	}
	var e domain.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	p.out = append(p.out, published{channel: channel, event: e})
	return nil
}

func (p *fakePublisher) byChannel() map[string]domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[string]domain.Event, len(p.out))
	for _, o := range p.out {
		m[o.channel] = o.event
	}
	return m
}

func newTestDispatcher(pub *fakePublisher) (*Dispatcher, *clockwork.FakeClock, *metrics.BusMetrics) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := metrics.NewBusMetrics(prometheus.NewRegistry())
	return New(pub, clock, "instance-a", m), clock, m
}

func TestDispatcher_PublishPerUser(t *testing.T) {
	pub := &fakePublisher{}
	d, clock, m := newTestDispatcher(pub)

	err := d.Publish(context.Background(), domain.EventTaskCreated, []string{"u1", "u2"}, map[string]string{"title": "Pay rent"})
	require.NoError(t, err)

	got := pub.byChannel()
	require.Len(t, got, 2)
	for _, userID := range []string{"u1", "u2"} {
		e, ok := got["user:"+userID]
		require.True(t, ok)
		assert.Equal(t, domain.EventTaskCreated, e.Type)
		assert.Equal(t, userID, e.UserID)
		assert.Equal(t, "instance-a", e.Source)
		assert.True(t, clock.Now().Equal(e.Timestamp))
		assert.JSONEq(t, `{"title":"Pay rent"}`, string(e.Data))
		assert.NotEmpty(t, e.ID)
	}
	assert.NotEqual(t, got["user:u1"].ID, got["user:u2"].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published.WithLabelValues("success")))
}

func TestDispatcher_PublishAttemptsAllBeforeFailing(t *testing.T) {
	boom := errors.New("bus down")
	pub := &fakePublisher{failFor: map[string]error{"user:u2": boom}}
	d, _, m := newTestDispatcher(pub)

	err := d.Publish(context.Background(), domain.EventSyncFailed, []string{"u1", "u2", "u3", ""}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "empty user id")

	got := pub.byChannel()
	assert.Contains(t, got, "user:u1")
	assert.Contains(t, got, "user:u3")
	assert.NotContains(t, got, "user:u2")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues("error")))
}

func TestDispatcher_PublishRejectsUnknownType(t *testing.T) {
	pub := &fakePublisher{}
	d, _, _ := newTestDispatcher(pub)

	err := d.Publish(context.Background(), domain.EventType("SOMETHING"), []string{"u1"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidEventType)
	assert.Empty(t, pub.byChannel())
}

func TestDispatcher_Broadcast(t *testing.T) {
	pub := &fakePublisher{}
	d, _, _ := newTestDispatcher(pub)

	require.NoError(t, d.Broadcast(context.Background(), domain.EventAlert, json.RawMessage(`{"level":"info"}`)))

	e, ok := pub.byChannel()[domain.BroadcastChannel]
	require.True(t, ok)
	assert.Equal(t, domain.BroadcastUserID, e.UserID)
	assert.Equal(t, domain.EventAlert, e.Type)
	assert.JSONEq(t, `{"level":"info"}`, string(e.Data))
}

func TestDispatcher_BroadcastRejectsInvalidRawPayload(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakePublisher{})
	assert.Error(t, d.Broadcast(context.Background(), domain.EventAlert, json.RawMessage(`{`)))
}

func TestDispatcher_PublishToChannel(t *testing.T) {
	pub := &fakePublisher{}
	d, _, _ := newTestDispatcher(pub)

	event, err := d.NewEvent(domain.EventAgentStatus, "u1", map[string]string{"agent": "planner"})
	require.NoError(t, err)
	require.NoError(t, d.PublishToChannel(context.Background(), "project:7", event))

	got := pub.byChannel()["project:7"]
	assert.Equal(t, event.ID, got.ID)

	assert.ErrorIs(t, d.PublishToChannel(context.Background(), "", event), domain.ErrInvalidChannel)
	assert.Equal(t, "instance-a", d.InstanceID())
}
