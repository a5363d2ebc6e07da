// Package progress tracks per-session download progress. Each session has
// exactly one writer (its orchestration goroutine) and arbitrarily many
// concurrent readers polling for status.
package progress

import (
	"errors"
	"sync"
	"time"

	"github.com/cartolab/tilebundler/internal/types"
)

// ErrNotFound is returned for session identifiers the store has never
// seen. Unknown sessions are never materialized on read.
var ErrNotFound = errors.New("session not found")

// State is the mutable progress record of one download session.
type State struct {
	TotalTiles      int
	DownloadedTiles int // attempts, not successes
	SuccessfulTiles int
	FailedTiles     int
	CurrentZoom     int
	Status          types.Status
	Error           string
	StartTime       time.Time
	LastUpdate      time.Time
	OutputPath      string
	DisplayName     string
	FileSizeBytes   int64
	TilesPerZoom    map[int]int
}

// Snapshot is a point-in-time copy of a session's state plus metrics
// derived at read time. The derived values are never stored.
type Snapshot struct {
	TotalTiles      int          `json:"total_tiles"`
	DownloadedTiles int          `json:"downloaded_tiles"`
	SuccessfulTiles int          `json:"successful_tiles"`
	FailedTiles     int          `json:"failed_tiles"`
	CurrentZoom     int          `json:"current_zoom"`
	Status          types.Status `json:"status"`
	Error           string       `json:"error,omitempty"`
	OutputPath      string       `json:"output_file,omitempty"`
	DisplayName     string       `json:"display_name,omitempty"`
	FileSizeBytes   int64        `json:"file_size_bytes"`
	TilesPerZoom    map[int]int  `json:"tiles_per_zoom"`

	ProgressPercent    float64 `json:"progress_percent"`
	ElapsedSeconds     float64 `json:"elapsed_time"`
	TilesPerSecond     float64 `json:"tiles_per_second"`
	EstimatedRemaining float64 `json:"estimated_remaining_time"`
	LastUpdateAge      float64 `json:"last_update_ago"`
}

// session pairs a state with its own lock so that updates to one session
// never contend with reads or writes of another.
type session struct {
	mu    sync.Mutex
	state State
}

// Store is a process-wide mapping from session identifier to progress
// state. The store lock only guards the map; per-session access takes the
// record lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

// Create registers a new idle session.
func (s *Store) Create(id string) {
	now := time.Now()
	s.mu.Lock()
	s.sessions[id] = &session{state: State{
		Status:     types.StatusIdle,
		StartTime:  now,
		LastUpdate: now,
	}}
	s.mu.Unlock()
}

func (s *Store) get(id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Init moves a session to downloading and records its totals.
func (s *Store) Init(id string, total int, perZoom map[int]int) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}

	now := time.Now()
	sess.mu.Lock()
	sess.state.TotalTiles = total
	sess.state.TilesPerZoom = perZoom
	sess.state.Status = types.StatusDownloading
	sess.state.StartTime = now
	sess.state.LastUpdate = now
	sess.mu.Unlock()
	return nil
}

// SetZoom records the zoom level currently being processed.
func (s *Store) SetZoom(id string, zoom int) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.state.CurrentZoom = zoom
	sess.state.LastUpdate = time.Now()
	sess.mu.Unlock()
	return nil
}

// Advance records one fetch attempt. The downloaded counter tracks
// attempts regardless of outcome; successes and failures are kept
// separately.
func (s *Store) Advance(id string, ok bool) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.state.DownloadedTiles++
	if ok {
		sess.state.SuccessfulTiles++
	} else {
		sess.state.FailedTiles++
	}
	sess.state.LastUpdate = time.Now()
	sess.mu.Unlock()
	return nil
}

// FinalizeResult carries the terminal outcome of a session.
type FinalizeResult struct {
	Status        types.Status // StatusCompleted or StatusError
	Error         string
	OutputPath    string
	DisplayName   string
	FileSizeBytes int64
}

// Finalize moves a session to its terminal state. Terminal states are
// sticky: finalizing an already-terminal session is a no-op.
func (s *Store) Finalize(id string, res FinalizeResult) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state.Status.Terminal() {
		return nil
	}
	sess.state.Status = res.Status
	sess.state.Error = res.Error
	sess.state.OutputPath = res.OutputPath
	sess.state.DisplayName = res.DisplayName
	sess.state.FileSizeBytes = res.FileSizeBytes
	sess.state.LastUpdate = time.Now()
	return nil
}

// Snapshot returns an atomic copy of the session state with derived
// metrics computed against the current clock.
func (s *Store) Snapshot(id string) (Snapshot, error) {
	sess, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}

	sess.mu.Lock()
	st := sess.state
	if st.TilesPerZoom != nil {
		perZoom := make(map[int]int, len(st.TilesPerZoom))
		for z, n := range st.TilesPerZoom {
			perZoom[z] = n
		}
		st.TilesPerZoom = perZoom
	}
	sess.mu.Unlock()

	return derive(st, time.Now()), nil
}

// Count returns the number of known sessions, terminal ones included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// derive computes the read-time metrics from a state copy.
func derive(st State, now time.Time) Snapshot {
	snap := Snapshot{
		TotalTiles:      st.TotalTiles,
		DownloadedTiles: st.DownloadedTiles,
		SuccessfulTiles: st.SuccessfulTiles,
		FailedTiles:     st.FailedTiles,
		CurrentZoom:     st.CurrentZoom,
		Status:          st.Status,
		Error:           st.Error,
		OutputPath:      st.OutputPath,
		DisplayName:     st.DisplayName,
		FileSizeBytes:   st.FileSizeBytes,
		TilesPerZoom:    st.TilesPerZoom,
	}

	if st.TotalTiles > 0 {
		snap.ProgressPercent = float64(st.DownloadedTiles) / float64(st.TotalTiles) * 100
	}

	if !st.StartTime.IsZero() && st.DownloadedTiles > 0 {
		elapsed := now.Sub(st.StartTime).Seconds()
		snap.ElapsedSeconds = elapsed
		if elapsed > 0 {
			snap.TilesPerSecond = float64(st.DownloadedTiles) / elapsed
		}
		if snap.TilesPerSecond > 0 {
			remaining := st.TotalTiles - st.DownloadedTiles
			snap.EstimatedRemaining = float64(remaining) / snap.TilesPerSecond
		}
	}

	if !st.LastUpdate.IsZero() {
		snap.LastUpdateAge = now.Sub(st.LastUpdate).Seconds()
	}

	return snap
}
