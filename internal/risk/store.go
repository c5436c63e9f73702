// Package risk gates every trade entry behind persistent daily limits.
package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is one trading day's risk ledger, keyed by ISO date.
type State struct {
	Date             string    `json:"date"`
	DailyPnL         float64   `json:"daily_pnl"`
	CurrentPositions int       `json:"current_positions"`
	TradesToday      int       `json:"trades_today"`
	Halted           bool      `json:"halted"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists daily risk state and the durable halt marker.
type Store interface {
	// Load returns the state for an ISO date; found is false when no
	// record exists for that day.
	Load(date string) (state *State, found bool, err error)
	// Save writes the full state for its date (write-through).
	Save(state *State) error

	// HaltMarker reports whether the durable halt marker exists and,
	// if so, the recorded reason.
	HaltMarker() (present bool, reason string, err error)
	WriteHaltMarker(reason string) error
	ClearHaltMarker() error
}

// FileStore keeps all days in one JSON file beside a plain-text halt
// marker. Writes go to a temp file and are renamed into place so a
// crash mid-write cannot corrupt the ledger.
type FileStore struct {
	mu         sync.Mutex
	path       string
	markerPath string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store at path, creating parent directories as
// needed. The halt marker lives next to the ledger file.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create risk state dir: %w", err)
	}
	return &FileStore{
		path:       path,
		markerPath: filepath.Join(filepath.Dir(path), "emergency_halt.flag"),
	}, nil
}

// Load returns the persisted state for date, if any.
func (f *FileStore) Load(date string) (*State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	days, err := f.readAll()
	if err != nil {
		return nil, false, err
	}
	state, ok := days[date]
	if !ok {
		return nil, false, nil
	}
	return &state, true, nil
}

// Save writes state under its date key, preserving other days.
func (f *FileStore) Save(state *State) error {
	if state == nil || state.Date == "" {
		return fmt.Errorf("risk state missing date")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	days, err := f.readAll()
	if err != nil {
		return err
	}
	days[state.Date] = *state
	return f.writeAll(days)
}

// HaltMarker checks the durable halt marker file.
func (f *FileStore) HaltMarker() (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.markerPath)
	if os.IsNotExist(err) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read halt marker: %w", err)
	}
	line := strings.TrimSpace(string(data))
	if _, reason, ok := strings.Cut(line, ": "); ok {
		return true, reason, nil
	}
	return true, line, nil
}

// WriteHaltMarker records the halt reason durably.
func (f *FileStore) WriteHaltMarker(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := fmt.Sprintf("%s: %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(f.markerPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write halt marker: %w", err)
	}
	return nil
}

// ClearHaltMarker removes the marker; missing marker is not an error.
func (f *FileStore) ClearHaltMarker() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear halt marker: %w", err)
	}
	return nil
}

// readAll loads the full ledger file. Caller holds f.mu.
func (f *FileStore) readAll() (map[string]State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]State), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read risk state: %w", err)
	}
	days := make(map[string]State)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &days); err != nil {
			return nil, fmt.Errorf("parse risk state: %w", err)
		}
	}
	return days, nil
}

// writeAll persists the full ledger atomically. Caller holds f.mu.
func (f *FileStore) writeAll(days map[string]State) error {
	data, err := json.MarshalIndent(days, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("commit risk state: %w", err)
	}
	return nil
}
