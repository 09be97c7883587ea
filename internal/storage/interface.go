// Package storage persists per-bot runtime state: the scheduler's next
// validation time, the bot's running/stopped status and the client-order-id
// counter. Bot configuration itself is read-only YAML and never stored here.
package storage

import "time"

// BotState is the mutable per-bot record.
type BotState struct {
	BotID            int          `json:"bot_id"`
	Status           string       `json:"status"`
	NextValidationAt time.Time    `json:"next_validation_at"`
	OrderSeq         int64        `json:"order_seq"`
	LastEntry        *EntryRecord `json:"last_entry,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// EntryRecord is the outcome of the bot's most recent entry order, written at
// the entry machine's terminal transitions.
type EntryRecord struct {
	ClientID  int64     `json:"client_id"`
	Symbol    string    `json:"symbol"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interface defines the contract for bot runtime-state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
type Interface interface {
	// BotState returns the current record for botID (zero value when unknown).
	BotState(botID int) BotState

	// SetStatus records the bot's runtime status and persists.
	SetStatus(botID int, status string) error

	// SetNextValidation records the next scheduled analysis time and persists.
	// The dashboard reads this to render a countdown.
	SetNextValidation(botID int, t time.Time) error

	// NextOrderSeq atomically increments and persists the bot's order-id
	// counter, returning the new value.
	NextOrderSeq(botID int) (int64, error)

	// SetEntryStatus records the outcome of the bot's most recent entry order
	// and persists.
	SetEntryStatus(botID int, clientID int64, symbol, status string) error

	// Data persistence
	Save() error
	Load() error
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)

// NewStorage creates a new storage implementation (currently JSON-based).
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}
