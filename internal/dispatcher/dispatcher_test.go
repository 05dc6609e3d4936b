package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/clock/system"
)

func TestDispatchAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	client := &fakeClient{outcomes: map[string]audit.Outcome{
		"p2": audit.DispatchFailed{Reason: "rate limited", StatusCode: 500},
	}}
	sleeper := &recordingSleeper{}
	d := newTestDispatcher(t, client, sleeper)

	window := DelayWindow{Min: 2 * time.Second, Max: 5 * time.Second}
	results := d.DispatchAll(context.Background(), "batch-1", units("p1", "p2", "p3"), window, nil)

	require.Len(t, results, 3)
	require.Equal(t, []string{"p1", "p2", "p3"}, client.calls())
	require.True(t, results[0].Queued())
	require.False(t, results[1].Queued())
	require.Equal(t, "rate limited", results[1].Reason())
	require.True(t, results[2].Queued())
	for i, res := range results {
		require.Equal(t, i+1, res.Index)
		require.Equal(t, 3, res.Total)
	}

	delays := sleeper.recorded()
	require.Len(t, delays, 2)
	for _, delay := range delays {
		require.GreaterOrEqual(t, delay, window.Min)
		require.LessOrEqual(t, delay, window.Max)
	}
}

func TestDispatchAllReportsEachResultBeforeNextUnit(t *testing.T) {
	t.Parallel()

	client := &fakeClient{outcomes: map[string]audit.Outcome{
		"p2": audit.DispatchFailed{Reason: "rate limited", StatusCode: 500},
	}}
	d := newTestDispatcher(t, client, &recordingSleeper{})

	var (
		seen       []string
		callsSoFar []int
	)
	d.DispatchAll(context.Background(), "b", units("p1", "p2", "p3"), DelayWindow{}, func(res audit.DispatchResult) {
		seen = append(seen, res.Unit.PublisherID+":"+res.Outcome.Label())
		callsSoFar = append(callsSoFar, len(client.calls()))
	})

	require.Equal(t, []string{"p1:queued", "p2:failed", "p3:queued"}, seen)
	require.Equal(t, []int{1, 2, 3}, callsSoFar)
}

func TestDispatchAllSkipsPreFailedUnits(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sleeper := &recordingSleeper{}
	d := newTestDispatcher(t, client, sleeper)

	batch := units("p1", "p2", "p3")
	batch[0].ResolveErr = errors.New("site lookup failed")

	results := d.DispatchAll(context.Background(), "b", batch, DelayWindow{Min: time.Second, Max: time.Second}, nil)

	require.Equal(t, []string{"p2", "p3"}, client.calls())
	require.Equal(t, "site lookup failed", results[0].Reason())
	require.Equal(t, []time.Duration{time.Second}, sleeper.recorded())
}

func TestDispatchAllStopsFurtherWorkOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{}
	sleeper := &recordingSleeper{onSleep: cancel}
	d := newTestDispatcher(t, client, sleeper)

	results := d.DispatchAll(ctx, "b", units("p1", "p2", "p3"), DelayWindow{Min: time.Millisecond, Max: time.Millisecond}, nil)

	require.Equal(t, []string{"p1"}, client.calls())
	require.Len(t, results, 3)
	require.True(t, results[0].Queued())
	require.Equal(t, CanceledReason, results[1].Reason())
	require.Equal(t, CanceledReason, results[2].Reason())
}

func TestDispatchAllInvalidWindowDispatchesWithoutPause(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sleeper := &recordingSleeper{}
	d := newTestDispatcher(t, client, sleeper)

	results := d.DispatchAll(context.Background(), "b", units("p1", "p2"), DelayWindow{Min: time.Second, Max: 0}, nil)
	require.Len(t, results, 2)
	require.Equal(t, []time.Duration{0}, sleeper.recorded())
}

func TestDispatchAllRealTimingHonorsMinimumSpacing(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	d, err := New(client, system.New(), system.New(), zap.NewNop())
	require.NoError(t, err)

	window := DelayWindow{Min: 20 * time.Millisecond, Max: 40 * time.Millisecond}
	start := time.Now()
	results := d.DispatchAll(context.Background(), "b", units("p1", "p2", "p3"), window, nil)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	require.GreaterOrEqual(t, elapsed, 2*window.Min)
}

func TestDispatchReportsMissingOutcome(t *testing.T) {
	t.Parallel()

	client := &fakeClient{outcomes: map[string]audit.Outcome{"p1": nil}, nilOutcome: true}
	d := newTestDispatcher(t, client, &recordingSleeper{})
	res := d.Dispatch(context.Background(), "b", units("p1")[0])
	require.False(t, res.Queued())
	require.NotEmpty(t, res.Reason())
}

func TestSampleDelayBounds(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeClient{}, &recordingSleeper{})
	window := DelayWindow{Min: 2 * time.Second, Max: 5 * time.Second}
	for i := 0; i < 1000; i++ {
		delay := d.sampleDelay(window)
		require.GreaterOrEqual(t, delay, window.Min)
		require.LessOrEqual(t, delay, window.Max)
	}
	require.Equal(t, time.Second, d.sampleDelay(DelayWindow{Min: time.Second, Max: time.Second}))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &recordingSleeper{}, system.New(), nil)
	require.Error(t, err)
	_, err = New(&fakeClient{}, nil, system.New(), nil)
	require.Error(t, err)
}

func newTestDispatcher(t *testing.T, client audit.WorkerClient, sleeper Sleeper) *Dispatcher {
	t.Helper()
	d, err := New(client, sleeper, system.New(), zap.NewNop(), WithRand(rand.New(rand.NewPCG(1, 2))))
	require.NoError(t, err)
	return d
}

func units(publisherIDs ...string) []audit.DispatchUnit {
	out := make([]audit.DispatchUnit, 0, len(publisherIDs))
	for _, id := range publisherIDs {
		out = append(out, audit.DispatchUnit{
			PublisherID: id,
			Targets:     []audit.Target{{PublisherID: id, SiteName: fmt.Sprintf("%s.example", id)}},
			JobIDs:      []string{"job-" + id},
		})
	}
	return out
}

type fakeClient struct {
	mu         sync.Mutex
	outcomes   map[string]audit.Outcome
	nilOutcome bool
	seen       []string
}

func (c *fakeClient) Submit(_ context.Context, unit audit.DispatchUnit, _ string) audit.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, unit.PublisherID)
	if outcome, ok := c.outcomes[unit.PublisherID]; ok && (outcome != nil || c.nilOutcome) {
		return outcome
	}
	return audit.Queued{}
}

func (c *fakeClient) Configured() bool { return true }

func (c *fakeClient) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

type recordingSleeper struct {
	mu      sync.Mutex
	delays  []time.Duration
	onSleep func()
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hook := s.onSleep
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep interrupted: %w", err)
	}
	return nil
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
