package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/quantflow/internal/bus"
	"github.com/aristath/quantflow/internal/database"
	"github.com/aristath/quantflow/internal/datasource"
	"github.com/aristath/quantflow/internal/engine"
	"github.com/aristath/quantflow/internal/market"
	"github.com/aristath/quantflow/internal/position"
	"github.com/aristath/quantflow/internal/storage"
	"github.com/aristath/quantflow/internal/strategy"
	"github.com/aristath/quantflow/internal/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

var memDBCounter atomic.Int64

type fixture struct {
	server *Server
	bus    *bus.Bus
	bars   *storage.BarRepository
	inds   *storage.IndicatorRepository
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", memDBCounter.Add(1))
	db, err := database.New(database.Config{Path: path, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.MigrateMarket(db))
	require.NoError(t, storage.MigrateResults(db))

	log := zerolog.Nop()
	barRepo := storage.NewBarRepository(db, log)
	indRepo := storage.NewIndicatorRepository(db, log)
	b := bus.New(log)

	taskManager := tasks.NewManager(tasks.Config{MaxConcurrent: 2, SweepSpec: "@every 1h", Log: log})
	t.Cleanup(taskManager.Stop)

	runner := func(ctx context.Context, req BacktestRequest, strat strategy.Strategy, preset position.Preset, start, end time.Time, tracker *tasks.ProgressTracker) (*engine.Result, error) {
		key := market.Key{Symbol: req.Symbol, Timeframe: market.Timeframe(req.Timeframe), MarketKind: market.MarketKind(req.MarketKind)}
		source := datasource.NewReplay(barRepo, indRepo, []market.Key{key}, start.Unix(), end.Unix(), log)
		tracker.SetTotal(source.TotalPoints())
		mgr := position.NewManager(req.InitialBalance, preset, log)
		eng := engine.New(engine.Config{
			Mode: engine.ModeReplay, Strategy: strat, Manager: mgr, Source: source, Tracker: tracker, Log: log,
		})
		return eng.Run(ctx)
	}

	srv := New(Config{
		Port:       0,
		Log:        log,
		Bus:        b,
		Bars:       barRepo,
		Indicators: indRepo,
		Signals:    storage.NewSignalRepository(db, log),
		Backtests:  storage.NewBacktestRepository(db, log),
		Tasks:      taskManager,
		Keys:       []market.Key{{Symbol: "BTCUSDT", Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot}},
		Backtest:   runner,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, bus: b, bars: barRepo, inds: indRepo, http: ts}
}

// seedCross persists a bar series whose MA values produce one dual-MA round
// trip inside 2024-01-01.
func (f *fixture) seedCross(t *testing.T) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	fastSlow := [][2]float64{{99, 100}, {101, 100}, {102, 100}, {99, 100}}
	prices := []float64{100, 100, 110, 105}
	for i := range prices {
		ts := base + int64(i+1)*3600
		require.NoError(t, f.bars.Upsert(market.Bar{
			Symbol: "BTCUSDT", Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot,
			Timestamp: ts, Open: prices[i], High: prices[i], Low: prices[i], Close: prices[i], Volume: 100,
		}))
		require.NoError(t, f.inds.Upsert(market.IndicatorRecord{
			Symbol: "BTCUSDT", Timeframe: market.Timeframe1h, MarketKind: market.MarketSpot,
			Timestamp: ts,
			Values:    map[string]float64{market.IndMA5: fastSlow[i][0], market.IndMA20: fastSlow[i][1]},
		}))
	}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestBarsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedCross(t)

	resp, body := f.get(t, "/api/bars/BTCUSDT/1h?from=0&to=4102444800")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bars []market.Bar
	require.NoError(t, json.Unmarshal(body, &bars))
	assert.Len(t, bars, 4)

	resp, _ = f.get(t, "/api/bars/BTCUSDT/7m")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLatestIndicatorsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedCross(t)

	resp, body := f.get(t, "/api/indicators/BTCUSDT/1h/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec market.IndicatorRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.NotEmpty(t, rec.Values)

	resp, _ = f.get(t, "/api/indicators/NOPE/1h/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStrategiesAndPresetsEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/strategies")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dual_ma")

	resp, body = f.get(t, "/api/presets")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "balanced")
}

func postBacktest(t *testing.T, f *fixture, req BacktestRequest) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(f.http.URL+"/api/backtest/run", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func validRequest() BacktestRequest {
	return BacktestRequest{
		Strategy:       "dual_ma",
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		StartDate:      "2024-01-01",
		EndDate:        "2024-01-02",
		InitialBalance: 10000,
		PositionPreset: "balanced",
	}
}

func TestBacktestValidationErrors(t *testing.T) {
	f := newFixture(t)

	bad := validRequest()
	bad.Strategy = "nope"
	resp, body := postBacktest(t, f, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"kind":"validation"`)

	bad = validRequest()
	bad.StartDate = "2024-02-01" // after end
	resp, _ = postBacktest(t, f, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad = validRequest()
	bad.InitialBalance = -5
	resp, _ = postBacktest(t, f, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad = validRequest()
	bad.Params = strategy.Params{"fast": 3}
	resp, _ = postBacktest(t, f, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "schema rejects out-of-range parameters")
}

func TestBacktestRunToCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedCross(t)

	resp, body := postBacktest(t, f, validRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(body, &accepted))
	taskID := accepted["task_id"]
	require.NotEmpty(t, taskID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := f.get(t, "/api/backtest/result/"+taskID)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var update tasks.Update
		require.NoError(t, json.Unmarshal(body, &update))
		if update.Status == tasks.StateCompleted {
			assert.Equal(t, 100, update.Progress)
			assert.NotNil(t, update.Result)
			return
		}
		require.NotEqual(t, tasks.StateFailed, update.Status, "backtest failed: %s", update.Error)
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("backtest never completed")
}

func TestBacktestResultUnknownTask(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/api/backtest/result/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// wsURL converts the fixture's http URL to a ws URL.
func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestGatewayPushLayer(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, f.wsURL("/api/ws"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Connection frame arrives first.
	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "connection", frame["type"])

	// Subscribe to a topic.
	sub, _ := json.Marshal(map[string]interface{}{"action": "subscribe", "topics": []string{"sig.dual_ma.BTCUSDT"}})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))
	frame = readFrame(t, ctx, conn)
	assert.Equal(t, "subscription", frame["type"])

	// A published message is forwarded as a {topic, data} frame.
	f.bus.Publish("sig.dual_ma.BTCUSDT", map[string]string{"kind": "OPEN_LONG"})
	frame = readFrame(t, ctx, conn)
	assert.Equal(t, "sig.dual_ma.BTCUSDT", frame["topic"])

	// Ping round trip.
	ping, _ := json.Marshal(map[string]string{"action": "ping"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, ping))
	frame = readFrame(t, ctx, conn)
	assert.Equal(t, "pong", frame["type"])

	// my_subscriptions reflects the set.
	mine, _ := json.Marshal(map[string]string{"action": "my_subscriptions"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, mine))
	frame = readFrame(t, ctx, conn)
	assert.Equal(t, "subscriptions", frame["type"])
	assert.EqualValues(t, 1, frame["count"])
}

func TestBacktestWSStreamsToTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedCross(t)

	resp, body := postBacktest(t, f, validRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(body, &accepted))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL("/api/backtest/"+accepted["task_id"]), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var last map[string]interface{}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break // closed after the terminal frame
		}
		require.NoError(t, json.Unmarshal(data, &last))
	}

	require.NotNil(t, last)
	assert.Equal(t, "completed", last["status"])
	assert.EqualValues(t, 100, last["progress"])
}
