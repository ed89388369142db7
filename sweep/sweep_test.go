package sweep

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/strategy"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// steadyBuyer opens once and holds; enough to produce metrics per combo.
type steadyBuyer struct{ delay time.Duration }

func (s *steadyBuyer) Name() string { return "sweep_buyer" }
func (s *steadyBuyer) Warmup() int  { return 2 }
func (s *steadyBuyer) OnBars(bars []types.Bar, position types.Side, _ strategy.Context) types.SignalIntent {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if position == types.SideNone && len(bars) == 3 {
		return types.SignalIntent{Direction: types.DirectionBuy}
	}
	return types.Hold()
}

type memSource struct{ bars map[string][]types.Bar }

func (m *memSource) ReadBars(symbol string, _ types.Timeframe, _ storage.BarQuery) ([]types.Bar, error) {
	return m.bars[symbol], nil
}

func fixtureSource(symbols ...string) *memSource {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &memSource{bars: make(map[string][]types.Bar)}
	for _, symbol := range symbols {
		bars := make([]types.Bar, 20)
		for i := range bars {
			px := 1.1 + float64(i)*0.0005
			bars[i] = types.Bar{
				Symbol: symbol, Timeframe: types.TFH1,
				Timestamp: start.Add(time.Duration(i) * time.Hour),
				Open:      d(px), High: d(px + 0.001), Low: d(px - 0.001), Close: d(px), Volume: d(10),
			}
		}
		src.bars[symbol] = bars
	}
	return src
}

func testRequest(symbols ...string) Request {
	return Request{
		Bots:        []string{"sweep_buyer"},
		Symbols:     symbols,
		Timeframes:  []types.Timeframe{types.TFH1},
		Start:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		InitialCash: d(10000),
		DefaultSize: d(10),
		Workers:     2,
	}
}

func TestMain(m *testing.M) {
	strategy.Register("sweep_buyer", func() strategy.Strategy { return &steadyBuyer{} })
	os.Exit(m.Run())
}

func TestComboIDStable(t *testing.T) {
	combo := Combo{
		Key:   types.ComboKey{Symbol: "EURUSD", Bot: "sweep_buyer", Timeframe: types.TFH1},
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	id := combo.ID()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), id)
	assert.Equal(t, id, combo.ID())

	other := combo
	other.Key.Symbol = "GBPUSD"
	assert.NotEqual(t, id, other.ID())
}

func TestRequestHashIgnoresRuntimeKnobs(t *testing.T) {
	a := testRequest("EURUSD")
	b := testRequest("EURUSD")
	b.Workers = 7
	b.Shuffle = true
	b.Resume = true
	assert.Equal(t, a.Hash(), b.Hash())

	c := testRequest("GBPUSD")
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestRunExecutesFullGrid(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	runner := NewRunner(fixtureSource("EURUSD", "GBPUSD"), layout)

	res, err := runner.Run(testRequest("EURUSD", "GBPUSD"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, res.Results, 2)
	for _, cr := range res.Results {
		assert.Equal(t, StatusCompleted, cr.Status)
		// The buyer opens once and holds to the end, so no trade closes.
		assert.Equal(t, 0, cr.TradeCount)
		assert.NotEmpty(t, cr.ComboID)
	}
}

func TestRunWritesComboFilesAndManifest(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	runner := NewRunner(fixtureSource("EURUSD"), layout)

	res, err := runner.Run(testRequest("EURUSD"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(res.SweepDir, "combos"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	var manifest Manifest
	require.NoError(t, storage.ReadJSON(filepath.Join(res.SweepDir, "manifest.json"), &manifest))
	assert.Equal(t, StatusCompleted, manifest.Status)
	assert.Equal(t, 1, manifest.Total)
	assert.Equal(t, 1, manifest.Done)

	loaded, err := LoadResults(res.SweepDir)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	for _, name := range []string{"results.json", "results.csv"} {
		_, statErr := os.Stat(filepath.Join(res.SweepDir, name))
		assert.NoError(t, statErr, name)
	}
}

func TestResumeSkipsCompletedCombos(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	runner := NewRunner(fixtureSource("EURUSD", "GBPUSD"), layout)

	req := testRequest("EURUSD", "GBPUSD")
	first, err := runner.Run(req)
	require.NoError(t, err)
	require.Equal(t, 2, first.Executed)

	req.Resume = true
	second, err := runner.Run(req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Executed, "resume must not re-run completed combos")
	assert.Equal(t, 2, second.Skipped)
	assert.Len(t, second.Results, len(first.Results))
}

func TestTimeoutRecordsFailure(t *testing.T) {
	strategy.Register("sweep_slow", func() strategy.Strategy { return &steadyBuyer{delay: 20 * time.Millisecond} })

	layout := storage.NewLayout(t.TempDir())
	runner := NewRunner(fixtureSource("EURUSD"), layout)

	req := testRequest("EURUSD")
	req.Bots = []string{"sweep_slow"}
	req.Timeout = 30 * time.Millisecond

	res, err := runner.Run(req)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, StatusFailed, res.Results[0].Status)
	assert.Contains(t, res.Results[0].Error, "timed out")
}

func TestCorruptComboFileSkippedOnLoad(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	runner := NewRunner(fixtureSource("EURUSD"), layout)

	res, err := runner.Run(testRequest("EURUSD"))
	require.NoError(t, err)

	// Drop a corrupt file next to the good one.
	corrupt := filepath.Join(res.SweepDir, "combos", "deadbeefdeadbeef.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))

	loaded, err := LoadResults(res.SweepDir)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
