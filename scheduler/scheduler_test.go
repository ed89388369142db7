package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/allowlist"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/strategy"
	"github.com/Stratton1/SOLATv3.1-sub000/sweep"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
	"github.com/Stratton1/SOLATv3.1-sub000/walkforward"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func countingJob(counter *atomic.Int32) JobFunc {
	return func(context.Context) error {
		counter.Add(1)
		return nil
	}
}

func TestSchedulerRunsJobsOnTheirCadence(t *testing.T) {
	var dataChecks, optimizes atomic.Int32
	s := New(Config{}, countingJob(&dataChecks), countingJob(&optimizes))

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	// Nothing has ever run: the first tick runs everything.
	ran := s.Tick(context.Background())
	assert.ElementsMatch(t, []string{"nightly_data_check", "weekly_optimize"}, ran)

	// Same instant: nothing is due.
	assert.Empty(t, s.Tick(context.Background()))

	// A day later only the data check fires.
	now = now.Add(24 * time.Hour)
	assert.Equal(t, []string{"nightly_data_check"}, s.Tick(context.Background()))
	assert.Equal(t, int32(2), dataChecks.Load())
	assert.Equal(t, int32(1), optimizes.Load())

	// A week past the start the optimize job fires too.
	now = now.Add(6 * 24 * time.Hour)
	ran = s.Tick(context.Background())
	assert.Contains(t, ran, "weekly_optimize")
	assert.Equal(t, int32(2), optimizes.Load())
}

func TestSchedulerMarkRanDefersJob(t *testing.T) {
	var dataChecks atomic.Int32
	s := New(Config{}, countingJob(&dataChecks), nil)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.MarkRan("nightly_data_check", now)

	assert.Empty(t, s.Tick(context.Background()))

	now = now.Add(25 * time.Hour)
	assert.Equal(t, []string{"nightly_data_check"}, s.Tick(context.Background()))
	assert.Equal(t, int32(1), dataChecks.Load())
}

func TestSchedulerFailingJobDoesNotBlockOthers(t *testing.T) {
	var optimizes atomic.Int32
	failing := func(context.Context) error { return errors.New("store offline") }
	s := New(Config{}, failing, countingJob(&optimizes))

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	ran := s.Tick(context.Background())
	assert.Len(t, ran, 2)
	assert.Equal(t, int32(1), optimizes.Load())

	// The failure does not tighten the cadence: not retried next tick.
	now = now.Add(time.Minute)
	assert.Empty(t, s.Tick(context.Background()))
}

func TestSchedulerRunStopsOnContextCancel(t *testing.T) {
	s := New(Config{CheckInterval: 5 * time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

// schedBuyer opens once per run and holds.
type schedBuyer struct{}

func (schedBuyer) Name() string { return "sched_buyer" }
func (schedBuyer) Warmup() int  { return 2 }
func (schedBuyer) OnBars(bars []types.Bar, position types.Side, _ strategy.Context) types.SignalIntent {
	if position == types.SideNone && len(bars) == 3 {
		return types.SignalIntent{Direction: types.DirectionBuy}
	}
	return types.Hold()
}

type memSource struct{ bars []types.Bar }

func (m *memSource) ReadBars(string, types.Timeframe, storage.BarQuery) ([]types.Bar, error) {
	return m.bars, nil
}

func TestOptimizeJobCreatesProposalWithoutApplying(t *testing.T) {
	strategy.Register("sched_buyer", func() strategy.Strategy { return schedBuyer{} })

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 30)
	for i := range bars {
		px := 1.1 + float64(i)*0.0004
		bars[i] = types.Bar{
			Symbol: "EURUSD", Timeframe: types.TFH1,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d(px), High: d(px + 0.001), Low: d(px - 0.001), Close: d(px), Volume: d(10),
		}
	}

	layout := storage.NewLayout(t.TempDir())
	opt := walkforward.New(&memSource{bars: bars}, layout)
	proposals := allowlist.NewProposalStore(layout)

	job := OptimizeJob(opt, walkforward.Config{
		Request: sweep.Request{
			Bots:        []string{"sched_buyer"},
			Symbols:     []string{"EURUSD"},
			Timeframes:  []types.Timeframe{types.TFH1},
			Start:       start,
			End:         start.AddDate(0, 3, 0),
			InitialCash: d(10000),
			DefaultSize: d(10),
			Workers:     1,
		},
		ISDays:   30,
		OOSDays:  15,
		StepDays: 15,
		Mode:     walkforward.ModeRolling,
		RankBy:   walkforward.RankSharpe,
		TopN:     3,
		// Lenient thresholds: we are testing the plumbing, not the filter.
	}, walkforward.SelectorConfig{MinMeanSharpe: -1e9}, proposals)

	require.NoError(t, job(context.Background()))

	pending, err := proposals.List()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, allowlist.ProposalPending, pending[0].Status)
	assert.NotEmpty(t, pending[0].Entries)
	assert.Equal(t, "EURUSD", pending[0].Entries[0].Key.Symbol)

	// The allowlist itself was not touched.
	store, err := allowlist.NewStore(layout.AllowlistPath(), 0)
	require.NoError(t, err)
	assert.Empty(t, store.Active())
}
