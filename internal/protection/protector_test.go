package protection

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
	"github.com/OvictorVieira/backbot-sub003/internal/orders"
	"github.com/OvictorVieira/backbot-sub003/internal/storage"
)

// fakeExchange is an in-memory exchange.Client for protection tests.
type fakeExchange struct {
	mu sync.Mutex

	positions  []exchange.OpenPosition
	openOrders []exchange.OpenOrder
	fills      []exchange.Fill
	candles    []exchange.Candle

	placed    []exchange.OrderRequest
	cancelled []int64

	// When set, PlaceOrder signals entered and blocks until proceed closes.
	entered chan struct{}
	proceed chan struct{}
}

var _ exchange.Client = (*fakeExchange)(nil)

func (f *fakeExchange) GetMarkets(context.Context) ([]exchange.Market, error) { return nil, nil }

func (f *fakeExchange) GetMarkPrices(context.Context, []string) ([]exchange.MarkPrice, error) {
	return nil, nil
}

func (f *fakeExchange) GetKLines(context.Context, string, string, int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles, nil
}

func (f *fakeExchange) GetAccount(context.Context, exchange.Credentials) (*exchange.Account, error) {
	return &exchange.Account{Leverage: 10}, nil
}

func (f *fakeExchange) GetCollateral(context.Context, exchange.Credentials) (*exchange.Collateral, error) {
	return &exchange.Collateral{}, nil
}

func (f *fakeExchange) GetOpenOrders(_ context.Context, symbol string, _ exchange.Credentials) ([]exchange.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol == "" {
		return append([]exchange.OpenOrder(nil), f.openOrders...), nil
	}
	var out []exchange.OpenOrder
	for _, o := range f.openOrders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetOpenPositions(context.Context, exchange.Credentials) ([]exchange.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OpenPosition(nil), f.positions...), nil
}

func (f *fakeExchange) GetFillHistory(context.Context, string, time.Time, int, exchange.Credentials) ([]exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Fill(nil), f.fills...), nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest, _ exchange.Credentials) (*exchange.OpenOrder, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.proceed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return &exchange.OpenOrder{ID: "ord", ClientID: req.ClientID, Symbol: req.Symbol}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, _ string, clientID int64, _ exchange.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, clientID)
	return nil
}

func (f *fakeExchange) placedRequests() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.placed...)
}

// fakeSeqStore backs the allocator in protection tests.
type fakeSeqStore struct {
	mu   sync.Mutex
	seqs map[int]int64
}

func (f *fakeSeqStore) BotState(botID int) storage.BotState     { return storage.BotState{BotID: botID} }
func (f *fakeSeqStore) SetStatus(int, string) error             { return nil }
func (f *fakeSeqStore) SetNextValidation(int, time.Time) error  { return nil }
func (f *fakeSeqStore) Save() error                             { return nil }
func (f *fakeSeqStore) Load() error                             { return nil }
func (f *fakeSeqStore) NextOrderSeq(botID int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seqs == nil {
		f.seqs = make(map[int]int64)
	}
	f.seqs[botID]++
	return f.seqs[botID], nil
}

func (f *fakeSeqStore) SetEntryStatus(int, int64, string, string) error { return nil }

func (f *fakeSeqStore) seq(botID int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqs[botID]
}

var _ storage.Interface = (*fakeSeqStore)(nil)

func protBot() *config.BotConfig {
	return &config.BotConfig{
		ID:                    1,
		Name:                  "prot-bot",
		ClientOrderIDPrefix:   7,
		MaxNegativePnlStopPct: 4,
		MinProfitPercentage:   0.5,
		Time:                  "5m",
	}
}

func protSnapshot() *models.AccountSnapshot {
	markets := map[string]exchange.Market{
		"SOL_USDC_PERP": {Symbol: "SOL_USDC_PERP", TickSize: "0.01", StepSize: "0.01", MinQuantity: "0.01", DecimalPrice: 2},
		"ETH_USDC_PERP": {Symbol: "ETH_USDC_PERP", TickSize: "0.01", StepSize: "0.01", MinQuantity: "0.01", DecimalPrice: 2},
	}
	return models.NewAccountSnapshot(1000, 10, 0, markets, time.Now())
}

func ownFill() exchange.Fill {
	return exchange.Fill{Symbol: "SOL_USDC_PERP", ClientID: 7_000_001, Timestamp: time.Now()}
}

func newTestProtector(client *fakeExchange) *Protector {
	p, _ := newTestProtectorWithStore(client)
	return p
}

func newTestProtectorWithStore(client *fakeExchange) (*Protector, *fakeSeqStore) {
	store := &fakeSeqStore{}
	ids := orders.NewAllocator(store, log.New(io.Discard, "", 0))
	return NewProtector(client, ids, nil, log.New(io.Discard, "", 0)), store
}

func longPosition() exchange.OpenPosition {
	return exchange.OpenPosition{Symbol: "SOL_USDC_PERP", NetQuantity: 0.5, AvgEntryPrice: 100, MarkPrice: 100}
}

func TestEnsureProtectionCreatesStopAndTargetLong(t *testing.T) {
	client := &fakeExchange{fills: []exchange.Fill{ownFill()}}
	p := newTestProtector(client)

	err := p.EnsureProtection(context.Background(), protBot(), protSnapshot(), longPosition())
	require.NoError(t, err)

	placed := client.placedRequests()
	require.Len(t, placed, 2)

	// 4% loss at 10x: stop 0.4% below entry.
	sl := placed[0]
	assert.Equal(t, exchange.SideAsk, sl.Side)
	assert.True(t, sl.ReduceOnly)
	assert.Equal(t, "99.6", sl.StopLossTriggerPrice)
	assert.Equal(t, "0.5", sl.Quantity)
	assert.EqualValues(t, 1001, sl.ClientID%10000)

	// 0.5% profit at 10x: target 0.05% above entry.
	tp := placed[1]
	assert.Equal(t, exchange.SideAsk, tp.Side)
	assert.True(t, tp.ReduceOnly)
	assert.Equal(t, "100.05", tp.TakeProfitTriggerPrice)
	assert.Equal(t, "0.5", tp.Quantity)
	assert.EqualValues(t, 1002, tp.ClientID%10000)
}

func TestEnsureProtectionCreatesStopAndTargetShort(t *testing.T) {
	client := &fakeExchange{fills: []exchange.Fill{ownFill()}}
	p := newTestProtector(client)

	pos := exchange.OpenPosition{Symbol: "SOL_USDC_PERP", NetQuantity: -0.5, AvgEntryPrice: 100, MarkPrice: 100}
	err := p.EnsureProtection(context.Background(), protBot(), protSnapshot(), pos)
	require.NoError(t, err)

	placed := client.placedRequests()
	require.Len(t, placed, 2)

	assert.Equal(t, exchange.SideBid, placed[0].Side)
	assert.Equal(t, "100.4", placed[0].StopLossTriggerPrice) // above entry for a SHORT
	assert.Equal(t, exchange.SideBid, placed[1].Side)
	assert.Equal(t, "99.95", placed[1].TakeProfitTriggerPrice) // below entry
}

func TestEnsureProtectionHybridUsesTighterStop(t *testing.T) {
	// Flat candles with a constant 1.0 range give ATR = 1.
	candles := make([]exchange.Candle, 30)
	for i := range candles {
		candles[i] = exchange.Candle{Open: 100, High: 100.5, Low: 99.5, Close: 100}
	}
	client := &fakeExchange{fills: []exchange.Fill{ownFill()}, candles: candles}
	p, store := newTestProtectorWithStore(client)

	bot := protBot()
	bot.EnableHybridStopStrategy = true
	bot.InitialStopAtrMultiplier = 0.2 // tactical = 100 - 0.2 = 99.8, tighter than failsafe 99.6
	bot.PartialTakeProfitAtrMultiplier = 1.5
	bot.PartialTakeProfitPercentage = 50

	err := p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition())
	require.NoError(t, err)

	placed := client.placedRequests()
	require.Len(t, placed, 2)

	assert.Equal(t, "99.8", placed[0].StopLossTriggerPrice)
	assert.EqualValues(t, 999, placed[0].ClientID%1000) // tactical stop id, not failsafe

	// Partial target: entry + ATR×1.5 at half size.
	assert.Equal(t, "101.5", placed[1].TakeProfitTriggerPrice)
	assert.Equal(t, "0.25", placed[1].Quantity)

	// One persisted sequence per placed order; the discarded failsafe branch
	// must not burn a slot.
	assert.EqualValues(t, 2, store.seq(1))
}

func TestEnsureProtectionWidensStopNearMark(t *testing.T) {
	client := &fakeExchange{fills: []exchange.Fill{ownFill()}}
	p := newTestProtector(client)

	bot := protBot()
	bot.MaxNegativePnlStopPct = 0.5 // 0.05% at 10x: inside the 0.1% floor

	err := p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition())
	require.NoError(t, err)

	placed := client.placedRequests()
	require.NotEmpty(t, placed)
	assert.Equal(t, "99.9", placed[0].StopLossTriggerPrice) // widened to 0.1% below mark
}

func TestEnsureProtectionSkipsWhenStopExists(t *testing.T) {
	client := &fakeExchange{
		fills: []exchange.Fill{ownFill()},
		openOrders: []exchange.OpenOrder{{
			Symbol:               "SOL_USDC_PERP",
			Side:                 exchange.SideAsk,
			ReduceOnly:           true,
			Status:               exchange.StatusTriggerPending,
			StopLossTriggerPrice: 99.6,
		}},
	}
	p := newTestProtector(client)

	bot := protBot()
	bot.EnableTrailingStop = true // target handled elsewhere, isolate the stop path

	err := p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition())
	require.NoError(t, err)
	assert.Empty(t, client.placedRequests())
}

func TestEnsureProtectionIgnoresUnownedPosition(t *testing.T) {
	// No fills carry the bot's prefix: position was opened manually.
	client := &fakeExchange{fills: []exchange.Fill{{Symbol: "SOL_USDC_PERP", ClientID: 999_000_001}}}
	p := newTestProtector(client)

	err := p.EnsureProtection(context.Background(), protBot(), protSnapshot(), longPosition())
	require.NoError(t, err)
	assert.Empty(t, client.placedRequests())
}

func TestEnsureProtectionConcurrentCallersPlaceOnce(t *testing.T) {
	client := &fakeExchange{
		fills:   []exchange.Fill{ownFill()},
		entered: make(chan struct{}, 2),
		proceed: make(chan struct{}),
	}
	p := newTestProtector(client)

	bot := protBot()
	bot.EnableTrailingStop = true // single protection order keeps the test deterministic

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition())
	}()

	// First caller is inside PlaceOrder and holds the symbol lock.
	<-client.entered

	// Second caller must observe the lock and return without placing.
	err := p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition())
	require.NoError(t, err)

	close(client.proceed)
	wg.Wait()

	assert.Len(t, client.placedRequests(), 1)
}

func TestEnsureProtectionIdempotentAfterCreate(t *testing.T) {
	client := &fakeExchange{fills: []exchange.Fill{ownFill()}}
	p := newTestProtector(client)
	bot := protBot()

	require.NoError(t, p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition()))
	require.NoError(t, p.EnsureProtection(context.Background(), bot, protSnapshot(), longPosition()))

	// Second pass hits the check cache: still exactly one stop and one target.
	assert.Len(t, client.placedRequests(), 2)
}

func TestForceCloseCancelsProtectionAndCloses(t *testing.T) {
	client := &fakeExchange{
		fills:     []exchange.Fill{ownFill()},
		positions: []exchange.OpenPosition{longPosition()},
		openOrders: []exchange.OpenOrder{{
			Symbol:               "SOL_USDC_PERP",
			ClientID:             7_000_001_999,
			Side:                 exchange.SideAsk,
			ReduceOnly:           true,
			Status:               exchange.StatusTriggerPending,
			StopLossTriggerPrice: 99.6,
			CreatedAt:            time.Now(),
		}},
	}
	p := newTestProtector(client)

	err := p.ForceClose(context.Background(), protBot(), protSnapshot(), "SOL_USDC_PERP")
	require.NoError(t, err)

	assert.Equal(t, []int64{7_000_001_999}, client.cancelled)

	placed := client.placedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.OrderTypeMarket, placed[0].OrderType)
	assert.True(t, placed[0].ReduceOnly)
	assert.Equal(t, exchange.SideAsk, placed[0].Side)
	assert.Equal(t, "0.5", placed[0].Quantity)
}
