package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"near-swap-worker/pkg/types"
)

const (
	DefaultStorageFileName = ".near-swap-worker-ledger.json"
	DefaultFeeBasisPoints  = 10
)

// Storage persists the ledger to a JSON file. An empty path keeps
// everything in memory.
type Storage struct {
	filePath string
	mu       sync.RWMutex
	state    *ledgerState
}

// ledgerState represents the JSON structure for storage
type ledgerState struct {
	Settings      Settings                      `json:"settings"`
	Tokens        map[string]*types.TokenConfig `json:"tokens"`
	Pending       map[string]*PendingSwap       `json:"pending"`
	CollectedFees map[string]string             `json:"collected_fees"`
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		Settings:      Settings{FeeBasisPoints: DefaultFeeBasisPoints},
		Tokens:        make(map[string]*types.TokenConfig),
		Pending:       make(map[string]*PendingSwap),
		CollectedFees: make(map[string]string),
	}
}

// DefaultStoragePath returns the ledger file in the home directory
func DefaultStoragePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultStorageFileName), nil
}

// NewStorage creates a storage instance, loading filePath when it exists
func NewStorage(filePath string) (*Storage, error) {
	storage := &Storage{
		filePath: filePath,
		state:    newLedgerState(),
	}
	if filePath == "" {
		return storage, nil
	}

	if err := storage.load(); err != nil {
		// A missing file is created on first save
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}
	}
	return storage, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	state := newLedgerState()
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	if state.Tokens == nil {
		state.Tokens = make(map[string]*types.TokenConfig)
	}
	if state.Pending == nil {
		state.Pending = make(map[string]*PendingSwap)
	}
	if state.CollectedFees == nil {
		state.CollectedFees = make(map[string]string)
	}
	s.state = state
	return nil
}

func (st *ledgerState) clone() *ledgerState {
	next := &ledgerState{
		Settings:      st.Settings,
		Tokens:        make(map[string]*types.TokenConfig, len(st.Tokens)),
		Pending:       make(map[string]*PendingSwap, len(st.Pending)),
		CollectedFees: make(map[string]string, len(st.CollectedFees)),
	}
	for k, v := range st.Tokens {
		next.Tokens[k] = v
	}
	for k, v := range st.Pending {
		next.Pending[k] = v
	}
	for k, v := range st.CollectedFees {
		next.CollectedFees[k] = v
	}
	return next
}

// update applies fn to a copy of the state and keeps the copy only once it
// is on disk. Stored values are replaced, never modified in place.
func (s *Storage) update(fn func(next *ledgerState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.save(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Storage) save(state *ledgerState) error {
	if s.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to temporary file first, then rename for atomic write
	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tempFile, s.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// CreatePending adds a new pending swap
func (s *Storage) CreatePending(p *PendingSwap) error {
	cp := *p
	return s.update(func(next *ledgerState) error {
		if _, exists := next.Pending[cp.CorrelationID]; exists {
			return fmt.Errorf("pending swap '%s' already exists", cp.CorrelationID)
		}
		next.Pending[cp.CorrelationID] = &cp
		return nil
	})
}

// GetPending returns a copy of a pending swap
func (s *Storage) GetPending(id string) (*PendingSwap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.state.Pending[id]
	if !exists {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// UpdatePending replaces an existing pending swap
func (s *Storage) UpdatePending(p *PendingSwap) error {
	cp := *p
	return s.update(func(next *ledgerState) error {
		if _, exists := next.Pending[cp.CorrelationID]; !exists {
			return fmt.Errorf("pending swap '%s' not found", cp.CorrelationID)
		}
		next.Pending[cp.CorrelationID] = &cp
		return nil
	})
}

// DeletePending removes a pending swap
func (s *Storage) DeletePending(id string) error {
	return s.update(func(next *ledgerState) error {
		if _, exists := next.Pending[id]; !exists {
			return fmt.Errorf("pending swap '%s' not found", id)
		}
		delete(next.Pending, id)
		return nil
	})
}

// ListPending returns all pending swaps, oldest first
func (s *Storage) ListPending() []*PendingSwap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*PendingSwap, 0, len(s.state.Pending))
	for _, p := range s.state.Pending {
		cp := *p
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CorrelationID < list[j].CorrelationID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// CountPending returns the number of pending swaps
func (s *Storage) CountPending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Pending)
}

// PutToken inserts or replaces a token config
func (s *Storage) PutToken(cfg *types.TokenConfig) error {
	cp := *cfg
	return s.update(func(next *ledgerState) error {
		next.Tokens[cp.TokenID] = &cp
		return nil
	})
}

// DeleteToken removes a token config, reporting whether it existed
func (s *Storage) DeleteToken(tokenID string) (bool, error) {
	removed := false
	err := s.update(func(next *ledgerState) error {
		if _, exists := next.Tokens[tokenID]; exists {
			delete(next.Tokens, tokenID)
			removed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// GetToken returns a copy of a token config
func (s *Storage) GetToken(tokenID string) (*types.TokenConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.state.Tokens[tokenID]
	if !exists {
		return nil, false
	}
	cp := *cfg
	return &cp, true
}

// ListTokens returns all token configs sorted by token id
func (s *Storage) ListTokens() []*types.TokenConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*types.TokenConfig, 0, len(s.state.Tokens))
	for _, cfg := range s.state.Tokens {
		cp := *cfg
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TokenID < list[j].TokenID })
	return list
}

// Settings returns the current settings
func (s *Storage) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Settings
}

// UpdateSettings applies fn to the settings and saves them
func (s *Storage) UpdateSettings(fn func(*Settings)) error {
	return s.update(func(next *ledgerState) error {
		fn(&next.Settings)
		return nil
	})
}

// CollectedFee returns the fees collected for token, "0" when none
func (s *Storage) CollectedFee(tokenID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fee, ok := s.state.CollectedFees[tokenID]; ok {
		return fee
	}
	return "0"
}

// SetCollectedFee stores the collected fee total for token
func (s *Storage) SetCollectedFee(tokenID, amount string) error {
	return s.update(func(next *ledgerState) error {
		next.CollectedFees[tokenID] = amount
		return nil
	})
}
