package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/store/memory"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	rooms  [][]event.Room
}

func (r *recorder) Publish(_ context.Context, ev event.Event, rooms ...event.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.rooms = append(r.rooms, rooms)
	return nil
}

func (r *recorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

var client = chat.Actor{ID: "c1", Type: chat.SenderClient, OrganizationID: "acme"}

func newManager() (*Manager, *recorder, *clock.FakeClock) {
	clk := clock.Fake(base)
	rec := &recorder{}
	m := New(memory.NewPresence(clk), rec, clk, nil, Config{TTL: 5 * time.Second, SweepInterval: time.Second})
	return m, rec, clk
}

func TestStartTypingDebounces(t *testing.T) {
	m, rec, clk := newManager()
	ctx := context.Background()

	require.NoError(t, m.StartTyping(ctx, client, "s1"))
	clk.Advance(2 * time.Second)
	require.NoError(t, m.StartTyping(ctx, client, "s1"))

	assert.Equal(t, 1, rec.count(event.TypeTypingStart))
	require.Len(t, rec.rooms, 1)
	assert.Equal(t, []event.Room{event.SessionRoom("s1")}, rec.rooms[0])

	// The refresh extended the TTL past the original deadline.
	clk.Advance(4 * time.Second)
	typing, err := m.Typing(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, typing)
}

func TestStopTypingPublishesOnce(t *testing.T) {
	m, rec, _ := newManager()
	ctx := context.Background()

	require.NoError(t, m.StartTyping(ctx, client, "s1"))
	require.NoError(t, m.StopTyping(ctx, client, "s1"))
	require.NoError(t, m.StopTyping(ctx, client, "s1"))

	assert.Equal(t, 1, rec.count(event.TypeTypingStop))
	stop := rec.events[len(rec.events)-1]
	assert.Equal(t, event.TypingStop{SessionID: "s1", ActorID: "c1", ActorType: chat.SenderClient}, stop.Payload)
	assert.Equal(t, "acme", stop.OrganizationID)
}

func TestStopTypingAfterExpiryIsNoop(t *testing.T) {
	m, rec, clk := newManager()
	ctx := context.Background()

	require.NoError(t, m.StartTyping(ctx, client, "s1"))
	clk.Advance(5 * time.Second)
	require.NoError(t, m.StopTyping(ctx, client, "s1"))

	assert.Zero(t, rec.count(event.TypeTypingStop))
	typing, err := m.Typing(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.False(t, typing)
}

func TestSweepPublishesStopForExpiredEntries(t *testing.T) {
	m, rec, clk := newManager()
	ctx := context.Background()

	require.NoError(t, m.StartTyping(ctx, client, "s1"))
	m.Sweep(ctx)
	assert.Zero(t, rec.count(event.TypeTypingStop), "live entries are kept")

	clk.Advance(6 * time.Second)
	m.Sweep(ctx)
	m.Sweep(ctx)
	assert.Equal(t, 1, rec.count(event.TypeTypingStop))

	require.NoError(t, m.StopTyping(ctx, client, "s1"))
	assert.Equal(t, 1, rec.count(event.TypeTypingStop), "stop after sweep is a no-op")
}

func TestRunSweepsOnTicks(t *testing.T) {
	m, rec, clk := newManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.StartTyping(ctx, client, "s1"))
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		return rec.count(event.TypeTypingStop) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClearActorStopsTypingAndMarksOffline(t *testing.T) {
	m, rec, _ := newManager()
	ctx := context.Background()

	require.NoError(t, m.MarkOnline(ctx, client, "s1"))
	online, err := m.Online(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, m.StartTyping(ctx, client, "s1"))
	m.ClearActor(ctx, client, "s1")

	assert.Equal(t, 1, rec.count(event.TypeTypingStop))
	online, err = m.Online(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestConcurrentStartTypingPublishesOnce(t *testing.T) {
	m, rec, _ := newManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.StartTyping(ctx, client, "s1"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rec.count(event.TypeTypingStart))
}

func TestOnlineSurvivesOtherProcessDisconnect(t *testing.T) {
	clk := clock.Fake(base)
	shared := memory.NewPresence(clk)
	nodeA := New(shared, &recorder{}, clk, nil, Config{NodeID: "node-a", OnlineTTL: time.Minute})
	nodeB := New(shared, &recorder{}, clk, nil, Config{NodeID: "node-b", OnlineTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, nodeA.MarkOnline(ctx, client, "s1"))
	require.NoError(t, nodeB.MarkOnline(ctx, client, "s1"))

	nodeA.ClearActor(ctx, client, "s1")
	online, err := nodeB.Online(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, online, "still connected through node-b")

	nodeB.ClearActor(ctx, client, "s1")
	online, err = nodeA.Online(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestOnlineExpiresPerProcess(t *testing.T) {
	clk := clock.Fake(base)
	shared := memory.NewPresence(clk)
	nodeA := New(shared, &recorder{}, clk, nil, Config{NodeID: "node-a", OnlineTTL: time.Minute})
	nodeB := New(shared, &recorder{}, clk, nil, Config{NodeID: "node-b", OnlineTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, nodeA.MarkOnline(ctx, client, "s1"))
	clk.Advance(40 * time.Second)
	require.NoError(t, nodeB.MarkOnline(ctx, client, "s1"))
	clk.Advance(30 * time.Second)

	online, err := nodeA.Online(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, online, "node-b refreshed within its TTL")

	clk.Advance(time.Minute)
	online, err = nodeA.Online(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.False(t, online)
}
