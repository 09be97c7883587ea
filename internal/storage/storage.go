package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// JSONStorage keeps bot runtime state in a single JSON file. A RWMutex
// serializes access; saves go through a temp file plus rename so a crash
// mid-write never corrupts the previous state.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	data *storageData
}

type storageData struct {
	Bots        map[string]*BotState `json:"bots"`
	LastUpdated time.Time            `json:"last_updated"`
}

// NewJSONStorage opens (or initializes) the state file at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		path: path,
		data: &storageData{Bots: make(map[string]*BotState)},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

// Load reads the state file from disk.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path) // #nosec G304 -- path comes from validated config
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	var data storageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing state file: %w", err)
	}
	if data.Bots == nil {
		data.Bots = make(map[string]*BotState)
	}
	s.data = &data
	return nil
}

// Save persists the current state to disk.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the state file. Callers hold s.mu.
func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// stateLocked returns (creating if needed) the record for botID. Callers hold s.mu.
func (s *JSONStorage) stateLocked(botID int) *BotState {
	key := strconv.Itoa(botID)
	st, ok := s.data.Bots[key]
	if !ok {
		st = &BotState{BotID: botID}
		s.data.Bots[key] = st
	}
	return st
}

// BotState returns a copy of the record for botID.
func (s *JSONStorage) BotState(botID int) BotState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.data.Bots[strconv.Itoa(botID)]; ok {
		return *st
	}
	return BotState{BotID: botID}
}

// SetStatus records the bot's runtime status and persists.
func (s *JSONStorage) SetStatus(botID int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(botID)
	st.Status = status
	st.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// SetNextValidation records the next scheduled analysis time and persists.
func (s *JSONStorage) SetNextValidation(botID int, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(botID)
	st.NextValidationAt = t.UTC()
	st.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// SetEntryStatus records the bot's latest entry-order outcome and persists.
func (s *JSONStorage) SetEntryStatus(botID int, clientID int64, symbol, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(botID)
	st.LastEntry = &EntryRecord{
		ClientID:  clientID,
		Symbol:    symbol,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	st.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// NextOrderSeq atomically increments the bot's order-id counter.
func (s *JSONStorage) NextOrderSeq(botID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(botID)
	st.OrderSeq++
	st.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(); err != nil {
		// Roll back so a failed save does not burn the sequence.
		st.OrderSeq--
		return 0, err
	}
	return st.OrderSeq, nil
}
