package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
)

// fakeClient is a scriptable exchange.Client for executor tests.
type fakeClient struct {
	mu sync.Mutex

	placed    []exchange.OrderRequest
	cancelled []int64

	placeErr     error   // returned by the next PlaceOrder, then cleared
	openOrders   [][]exchange.OpenOrder // consumed per GetOpenOrders call
	positions    []exchange.OpenPosition
	markPrice    float64
	placedStatus exchange.OrderStatus // status on the order PlaceOrder returns
}

var _ exchange.Client = (*fakeClient)(nil)

func (f *fakeClient) GetMarkets(context.Context) ([]exchange.Market, error) { return nil, nil }

func (f *fakeClient) GetMarkPrices(_ context.Context, symbols []string) ([]exchange.MarkPrice, error) {
	out := make([]exchange.MarkPrice, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, exchange.MarkPrice{Symbol: s, Price: f.markPrice})
	}
	return out, nil
}

func (f *fakeClient) GetKLines(context.Context, string, string, int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeClient) GetAccount(context.Context, exchange.Credentials) (*exchange.Account, error) {
	return &exchange.Account{Leverage: 1}, nil
}

func (f *fakeClient) GetCollateral(context.Context, exchange.Credentials) (*exchange.Collateral, error) {
	return &exchange.Collateral{}, nil
}

func (f *fakeClient) GetOpenOrders(context.Context, string, exchange.Credentials) ([]exchange.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openOrders) == 0 {
		return nil, nil
	}
	head := f.openOrders[0]
	f.openOrders = f.openOrders[1:]
	return head, nil
}

func (f *fakeClient) GetOpenPositions(context.Context, exchange.Credentials) ([]exchange.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeClient) GetFillHistory(context.Context, string, time.Time, int, exchange.Credentials) ([]exchange.Fill, error) {
	return nil, nil
}

func (f *fakeClient) PlaceOrder(_ context.Context, req exchange.OrderRequest, _ exchange.Credentials) (*exchange.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		err := f.placeErr
		f.placeErr = nil
		return nil, err
	}
	f.placed = append(f.placed, req)
	return &exchange.OpenOrder{
		ID:       "ord-1",
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Status:   f.placedStatus,
	}, nil
}

func (f *fakeClient) CancelOrder(_ context.Context, _ string, _ string, clientID int64, _ exchange.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, clientID)
	return nil
}

func (f *fakeClient) placedRequests() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.placed...)
}

func entryBot(timeoutSeconds int) *config.BotConfig {
	return &config.BotConfig{
		ID:                           1,
		Name:                         "test-bot",
		ClientOrderIDPrefix:          77,
		MaxNegativePnlStopPct:        4,
		MaxSlippagePct:               0.5,
		OrderExecutionTimeoutSeconds: timeoutSeconds,
		EnablePostOnly:               true,
		EnableMarketFallback:         true,
	}
}

func entryMarket() exchange.Market {
	return exchange.Market{
		Symbol:       "SOL_USDC_PERP",
		TickSize:     "0.01",
		StepSize:     "0.01",
		MinQuantity:  "0.01",
		DecimalPrice: 2,
		MarketType:   exchange.MarketTypePerp,
	}
}

func entryIntent() models.OrderIntent {
	return models.OrderIntent{
		Symbol:     "SOL_USDC_PERP",
		Side:       exchange.SideBid,
		EntryPrice: 150.00,
		StopPrice:  147.00,
		Quantity:   2.0,
	}
}

func newTestExecutor(client *fakeClient) *Executor {
	e, _ := newTestExecutorWithStore(client)
	return e
}

func newTestExecutorWithStore(client *fakeClient) (*Executor, *fakeStore) {
	store := newFakeStore()
	e := NewExecutor(client, NewAllocator(store, quietLogger()), quietLogger())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e, store
}

func TestOpenEntryLimitFill(t *testing.T) {
	client := &fakeClient{
		placedStatus: exchange.StatusNew,
		openOrders: [][]exchange.OpenOrder{
			{{ClientID: 77_000_001, Status: exchange.StatusNew}},
			{{ClientID: 77_000_001, Status: exchange.StatusFilled}},
		},
	}
	exec := newTestExecutor(client)

	var notified []string
	onFilled := func(_ context.Context, symbol string, _ exchange.Side) {
		notified = append(notified, symbol)
	}

	res, err := exec.OpenEntry(context.Background(), entryBot(30), entryIntent(), entryMarket(), 10, nil, onFilled)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, FillTypeLimit, res.Type)
	assert.Equal(t, int64(77_000_001), res.ClientID)
	assert.InDelta(t, 150.00, res.ExecPrice, 1e-9)
	assert.Equal(t, []string{"SOL_USDC_PERP"}, notified)
	assert.Empty(t, client.cancelled)

	// The resting limit must be post-only with the stop attached.
	placed := client.placedRequests()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].PostOnly)
	assert.Equal(t, exchange.TimeInForceGTC, placed[0].TimeInForce)
	assert.Equal(t, exchange.SelfTradePreventionRejectTaker, placed[0].SelfTradePrevention)
	assert.Equal(t, "149.4", placed[0].StopLossTriggerPrice)
	assert.Equal(t, exchange.TriggerByLastPrice, placed[0].StopLossTriggerBy)
}

func TestOpenEntryTimeoutFallsBackToMarket(t *testing.T) {
	// Zero timeout: monitor expires immediately, the limit is cancelled, no
	// position exists, and the fallback fires inside the slippage budget.
	client := &fakeClient{
		placedStatus: exchange.StatusNew,
		markPrice:    150.30, // 0.2% drift, under the 0.5% cap
	}
	exec := newTestExecutor(client)

	revalidated := false
	revalidate := func(context.Context) (bool, string) {
		revalidated = true
		return true, ""
	}

	res, err := exec.OpenEntry(context.Background(), entryBot(0), entryIntent(), entryMarket(), 10, revalidate, nil)
	require.NoError(t, err)

	assert.True(t, revalidated)
	assert.True(t, res.Success)
	assert.Equal(t, FillTypeMarket, res.Type)
	assert.InDelta(t, 0.2, res.SlippagePct, 1e-9)
	assert.Equal(t, []int64{77_000_001}, client.cancelled)

	placed := client.placedRequests()
	require.Len(t, placed, 2)
	assert.Equal(t, exchange.OrderTypeMarket, placed[1].OrderType)
	assert.Equal(t, exchange.TimeInForceIOC, placed[1].TimeInForce)
	assert.Empty(t, placed[1].Price)
	assert.Equal(t, "149.4", placed[1].StopLossTriggerPrice)
	assert.NotEqual(t, placed[0].ClientID, placed[1].ClientID)
}

func TestOpenEntryTimeoutPersistsCancelledStatus(t *testing.T) {
	client := &fakeClient{placedStatus: exchange.StatusNew, markPrice: 150.30}
	exec, store := newTestExecutorWithStore(client)

	_, err := exec.OpenEntry(context.Background(), entryBot(0), entryIntent(), entryMarket(), 10,
		func(context.Context) (bool, string) { return true, "" }, nil)
	require.NoError(t, err)

	rec, ok := store.lastEntry(1)
	require.True(t, ok, "a timed-out limit must leave a persisted record")
	assert.Equal(t, StatusCancelledLimitTimeout, rec.Status)
	assert.Equal(t, int64(77_000_001), rec.ClientID)
	assert.Equal(t, "SOL_USDC_PERP", rec.Symbol)
}

func TestOpenEntryLateFillLeavesNoCancelledStatus(t *testing.T) {
	client := &fakeClient{
		placedStatus: exchange.StatusNew,
		positions: []exchange.OpenPosition{
			{Symbol: "SOL_USDC_PERP", NetQuantity: 2.0, AvgEntryPrice: 150.00},
		},
	}
	exec, store := newTestExecutorWithStore(client)

	res, err := exec.OpenEntry(context.Background(), entryBot(0), entryIntent(), entryMarket(), 10, nil, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	_, ok := store.lastEntry(1)
	assert.False(t, ok, "a cancel that raced a fill is not a timeout cancel")
}

func TestOpenEntryShutdownMidMonitorCancelsRestingOrder(t *testing.T) {
	// The runner context dies while the limit rests. The executor must still
	// pull the order off the book before surfacing the error.
	client := &fakeClient{placedStatus: exchange.StatusNew}
	exec := newTestExecutor(client)

	ctx, cancel := context.WithCancel(context.Background())
	exec.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := exec.OpenEntry(ctx, entryBot(30), entryIntent(), entryMarket(), 10, nil, nil)
	require.Error(t, err)

	require.Len(t, client.placedRequests(), 1)
	assert.Equal(t, []int64{77_000_001}, client.cancelled)
}

func TestOpenEntryWouldMatchSkipsMonitor(t *testing.T) {
	client := &fakeClient{
		placeErr:  &exchange.APIError{Kind: exchange.KindWouldMatch, Message: "Order would immediately match"},
		markPrice: 150.00,
	}
	exec := newTestExecutor(client)

	res, err := exec.OpenEntry(context.Background(), entryBot(30), entryIntent(), entryMarket(), 10,
		func(context.Context) (bool, string) { return true, "" }, nil)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, FillTypeMarket, res.Type)
	// No cancel: the limit never rested.
	assert.Empty(t, client.cancelled)
	placed := client.placedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.OrderTypeMarket, placed[0].OrderType)
}

func TestOpenEntryAbortsWhenSignalGone(t *testing.T) {
	client := &fakeClient{placedStatus: exchange.StatusNew, markPrice: 150.00}
	exec := newTestExecutor(client)

	res, err := exec.OpenEntry(context.Background(), entryBot(0), entryIntent(), entryMarket(), 10,
		func(context.Context) (bool, string) { return false, "momentum faded" }, nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.Aborted)
	assert.Equal(t, "momentum faded", res.Reason)
	// Only the original limit was placed.
	assert.Len(t, client.placedRequests(), 1)
}

func TestOpenEntryAbortsOnSlippage(t *testing.T) {
	client := &fakeClient{
		placedStatus: exchange.StatusNew,
		markPrice:    152.00, // 1.33% drift, over the 0.5% cap
	}
	exec := newTestExecutor(client)

	res, err := exec.OpenEntry(context.Background(), entryBot(0), entryIntent(), entryMarket(), 10,
		func(context.Context) (bool, string) { return true, "" }, nil)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, ReasonSlippage, res.Reason)
	assert.Greater(t, res.SlippagePct, 0.5)
	assert.Len(t, client.placedRequests(), 1)
}

func TestOpenEntryLateFillAfterCancel(t *testing.T) {
	// The cancel races a fill: the order is gone but the position exists, so
	// the entry counts as a limit fill instead of triggering the fallback.
	client := &fakeClient{
		placedStatus: exchange.StatusNew,
		positions: []exchange.OpenPosition{
			{Symbol: "SOL_USDC_PERP", NetQuantity: 2.0, AvgEntryPrice: 150.00},
		},
	}
	exec := newTestExecutor(client)

	res, err := exec.OpenEntry(context.Background(), entryBot(0), entryIntent(), entryMarket(), 10, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, FillTypeLimit, res.Type)
	assert.Len(t, client.placedRequests(), 1)
}

func TestOpenEntryFallbackDisabled(t *testing.T) {
	client := &fakeClient{placedStatus: exchange.StatusNew, markPrice: 150.00}
	exec := newTestExecutor(client)

	bot := entryBot(0)
	bot.EnableMarketFallback = false

	res, err := exec.OpenEntry(context.Background(), bot, entryIntent(), entryMarket(), 10,
		func(context.Context) (bool, string) { return true, "" }, nil)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, ReasonFallbackDisabled, res.Reason)
	assert.Len(t, client.placedRequests(), 1)
}
