// Package orders implements order execution: client-order-id allocation, the
// hybrid LIMIT-then-MARKET entry procedure, and protection-order request
// builders.
package orders

import (
	"log"
	"os"
	"time"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/storage"
)

// seqModulus bounds the per-bot sequence so the bot prefix always occupies
// the leading digits of the client id.
const seqModulus = 1_000_000

// Purpose suffixes appended to a base id. Reading an id back:
//
//	entry:            prefix ######
//	stop-loss:        base * 1000 + 999
//	take-profit N:    base * 10 + N
//	failsafe stop:    base * 10000 + 1001
//	failsafe target:  base * 10000 + 1002
const (
	stopSuffix           = 999
	failsafeStopSuffix   = 1001
	failsafeTargetSuffix = 1002
)

// Allocator issues per-bot monotonically increasing client order ids whose
// decimal representation starts with the bot's unique prefix. The sequence
// is persisted so restarts keep ids moving forward.
type Allocator struct {
	store  storage.Interface
	logger *log.Logger
	now    func() time.Time
}

// NewAllocator creates an id allocator backed by the given state store.
func NewAllocator(store storage.Interface, logger *log.Logger) *Allocator {
	if store == nil {
		panic("orders.NewAllocator: store must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Allocator{store: store, logger: logger, now: time.Now}
}

// NextID returns the next base client id for an entry order:
// prefix·10^6 + sequence. Persistence failures fall back to a
// seconds-derived id so order placement never fails on a storage hiccup;
// the fallback carries no prefix and is logged.
func (a *Allocator) NextID(bot *config.BotConfig) int64 {
	seq, err := a.store.NextOrderSeq(bot.ID)
	if err != nil {
		fallback := a.now().Unix() % seqModulus
		a.logger.Printf("Warning: order-id sequence unavailable for bot %d, using time-based id %d: %v",
			bot.ID, fallback, err)
		return fallback
	}
	return int64(bot.ClientOrderIDPrefix)*seqModulus + seq%seqModulus
}

// NextStopID returns a client id marked as a stop-loss order.
func (a *Allocator) NextStopID(bot *config.BotConfig) int64 {
	return a.NextID(bot)*1000 + stopSuffix
}

// NextTakeProfitID returns a client id marked as the i-th take-profit order
// (i counts from zero).
func (a *Allocator) NextTakeProfitID(bot *config.BotConfig, i int) int64 {
	return a.NextID(bot)*10 + int64(i+1)
}

// NextFailsafeStopID returns a client id marked as a failsafe stop-loss.
func (a *Allocator) NextFailsafeStopID(bot *config.BotConfig) int64 {
	return a.NextID(bot)*10000 + failsafeStopSuffix
}

// NextFailsafeTargetID returns a client id marked as a failsafe target.
func (a *Allocator) NextFailsafeTargetID(bot *config.BotConfig) int64 {
	return a.NextID(bot)*10000 + failsafeTargetSuffix
}
