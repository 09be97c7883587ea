package orders

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OvictorVieira/backbot-sub003/internal/config"
	"github.com/OvictorVieira/backbot-sub003/internal/storage"
)

// fakeStore is an in-memory storage.Interface for allocator and executor
// tests.
type fakeStore struct {
	mu      sync.Mutex
	seqs    map[int]int64
	entries map[int]storage.EntryRecord
	failSeq bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{seqs: make(map[int]int64), entries: make(map[int]storage.EntryRecord)}
}

func (f *fakeStore) BotState(botID int) storage.BotState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storage.BotState{BotID: botID, OrderSeq: f.seqs[botID]}
}

func (f *fakeStore) SetStatus(int, string) error            { return nil }
func (f *fakeStore) SetNextValidation(int, time.Time) error { return nil }
func (f *fakeStore) Save() error                            { return nil }
func (f *fakeStore) Load() error                            { return nil }

func (f *fakeStore) SetEntryStatus(botID int, clientID int64, symbol, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[botID] = storage.EntryRecord{ClientID: clientID, Symbol: symbol, Status: status}
	return nil
}

func (f *fakeStore) lastEntry(botID int) (storage.EntryRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.entries[botID]
	return rec, ok
}

func (f *fakeStore) NextOrderSeq(botID int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSeq {
		return 0, errors.New("disk full")
	}
	f.seqs[botID]++
	return f.seqs[botID], nil
}

var _ storage.Interface = (*fakeStore)(nil)

func testBot(prefix int) *config.BotConfig {
	return &config.BotConfig{ID: 1, ClientOrderIDPrefix: prefix}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAllocatorBaseIDsCarryPrefix(t *testing.T) {
	alloc := NewAllocator(newFakeStore(), quietLogger())
	bot := testBot(42)

	first := alloc.NextID(bot)
	second := alloc.NextID(bot)

	assert.Equal(t, int64(42_000_001), first)
	assert.Equal(t, int64(42_000_002), second)
}

func TestAllocatorPurposeSuffixes(t *testing.T) {
	alloc := NewAllocator(newFakeStore(), quietLogger())
	bot := testBot(7)

	assert.Equal(t, int64(7_000_001)*1000+999, alloc.NextStopID(bot))
	assert.Equal(t, int64(7_000_002)*10+1, alloc.NextTakeProfitID(bot, 0))
	assert.Equal(t, int64(7_000_003)*10+3, alloc.NextTakeProfitID(bot, 2))
	assert.Equal(t, int64(7_000_004)*10000+1001, alloc.NextFailsafeStopID(bot))
	assert.Equal(t, int64(7_000_005)*10000+1002, alloc.NextFailsafeTargetID(bot))
}

func TestAllocatorSequencePersistsAcrossInstances(t *testing.T) {
	store := newFakeStore()
	bot := testBot(9)

	a1 := NewAllocator(store, quietLogger())
	require.Equal(t, int64(9_000_001), a1.NextID(bot))

	// A fresh allocator over the same store keeps counting.
	a2 := NewAllocator(store, quietLogger())
	assert.Equal(t, int64(9_000_002), a2.NextID(bot))
}

func TestAllocatorFallsBackOnStorageError(t *testing.T) {
	store := newFakeStore()
	store.failSeq = true

	alloc := NewAllocator(store, quietLogger())
	alloc.now = func() time.Time { return time.Unix(1_712_345_678, 0) }

	got := alloc.NextID(testBot(5))

	// Time-derived, bounded, and never an error: placement must not fail on
	// a storage hiccup.
	assert.Equal(t, int64(1_712_345_678%1_000_000), got)
}

func TestAllocatorIsolatesBots(t *testing.T) {
	store := newFakeStore()
	alloc := NewAllocator(store, quietLogger())

	botA := &config.BotConfig{ID: 1, ClientOrderIDPrefix: 11}
	botB := &config.BotConfig{ID: 2, ClientOrderIDPrefix: 22}

	assert.Equal(t, int64(11_000_001), alloc.NextID(botA))
	assert.Equal(t, int64(22_000_001), alloc.NextID(botB))
	assert.Equal(t, int64(11_000_002), alloc.NextID(botA))
}
