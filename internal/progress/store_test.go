package progress

import (
	"errors"
	"sync"
	"testing"

	"github.com/cartolab/tilebundler/internal/types"
)

func TestStore_UnknownSession(t *testing.T) {
	s := NewStore()

	_, err := s.Snapshot("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Snapshot for unknown session: err = %v, want ErrNotFound", err)
	}
	if err := s.Advance("nope", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Advance for unknown session: err = %v, want ErrNotFound", err)
	}
	if err := s.Init("nope", 10, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Init for unknown session: err = %v, want ErrNotFound", err)
	}

	// Lookups must not materialize records.
	if s.Count() != 0 {
		t.Errorf("Count = %d after failed lookups, want 0", s.Count())
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s := NewStore()
	s.Create("a")

	snap, err := s.Snapshot("a")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Status != types.StatusIdle {
		t.Errorf("new session status = %s, want idle", snap.Status)
	}

	perZoom := map[int]int{10: 4, 11: 9}
	if err := s.Init("a", 13, perZoom); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	_ = s.SetZoom("a", 10)
	_ = s.Advance("a", true)
	_ = s.Advance("a", false)

	snap, _ = s.Snapshot("a")
	if snap.Status != types.StatusDownloading {
		t.Errorf("status = %s, want downloading", snap.Status)
	}
	if snap.TotalTiles != 13 || snap.DownloadedTiles != 2 {
		t.Errorf("counters = %d/%d, want 2/13", snap.DownloadedTiles, snap.TotalTiles)
	}
	if snap.SuccessfulTiles != 1 || snap.FailedTiles != 1 {
		t.Errorf("success/failed = %d/%d, want 1/1", snap.SuccessfulTiles, snap.FailedTiles)
	}
	if snap.CurrentZoom != 10 {
		t.Errorf("current zoom = %d, want 10", snap.CurrentZoom)
	}
	if snap.TilesPerZoom[11] != 9 {
		t.Errorf("tiles per zoom = %v", snap.TilesPerZoom)
	}

	err = s.Finalize("a", FinalizeResult{
		Status:        types.StatusCompleted,
		OutputPath:    "/tmp/a.mbtiles",
		DisplayName:   "a.mbtiles",
		FileSizeBytes: 1234,
	})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	snap, _ = s.Snapshot("a")
	if snap.Status != types.StatusCompleted || snap.OutputPath != "/tmp/a.mbtiles" {
		t.Errorf("finalized snapshot = %+v", snap)
	}
}

func TestStore_TerminalStatusIsSticky(t *testing.T) {
	s := NewStore()
	s.Create("a")
	_ = s.Init("a", 1, nil)

	_ = s.Finalize("a", FinalizeResult{Status: types.StatusError, Error: "boom"})
	_ = s.Finalize("a", FinalizeResult{Status: types.StatusCompleted, OutputPath: "/tmp/x"})

	snap, _ := s.Snapshot("a")
	if snap.Status != types.StatusError {
		t.Errorf("status = %s after second finalize, want error to stick", snap.Status)
	}
	if snap.Error != "boom" {
		t.Errorf("error message = %q, want boom", snap.Error)
	}
}

func TestStore_ProgressMonotonic(t *testing.T) {
	s := NewStore()
	s.Create("a")
	_ = s.Init("a", 100, nil)

	prev := 0
	for i := 0; i < 100; i++ {
		_ = s.Advance("a", i%3 != 0)
		snap, err := s.Snapshot("a")
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if snap.DownloadedTiles < prev {
			t.Fatalf("downloaded tiles decreased: %d -> %d", prev, snap.DownloadedTiles)
		}
		prev = snap.DownloadedTiles
	}
	if prev != 100 {
		t.Errorf("final downloaded = %d, want 100", prev)
	}
}

func TestStore_DerivedMetricZeroGuards(t *testing.T) {
	s := NewStore()
	s.Create("a")
	_ = s.Init("a", 0, nil)

	snap, _ := s.Snapshot("a")
	if snap.ProgressPercent != 0 {
		t.Errorf("percent = %v with zero total, want 0", snap.ProgressPercent)
	}
	if snap.TilesPerSecond != 0 || snap.EstimatedRemaining != 0 {
		t.Errorf("rate/ETA = %v/%v with zero downloads, want 0/0",
			snap.TilesPerSecond, snap.EstimatedRemaining)
	}
}

func TestStore_DerivedPercent(t *testing.T) {
	s := NewStore()
	s.Create("a")
	_ = s.Init("a", 4, nil)
	_ = s.Advance("a", true)

	snap, _ := s.Snapshot("a")
	if snap.ProgressPercent != 25 {
		t.Errorf("percent = %v, want 25", snap.ProgressPercent)
	}
	if snap.TilesPerSecond < 0 {
		t.Errorf("rate = %v, want >= 0", snap.TilesPerSecond)
	}
}

// One writer advancing a session while many readers poll it and other
// sessions are created concurrently. Run with -race.
func TestStore_ConcurrentReadersAndWriter(t *testing.T) {
	s := NewStore()
	s.Create("a")
	_ = s.Init("a", 1000, map[int]int{10: 1000})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = s.Advance("a", true)
		}
		_ = s.Finalize("a", FinalizeResult{Status: types.StatusCompleted})
	}()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := 0
			for i := 0; i < 500; i++ {
				snap, err := s.Snapshot("a")
				if err != nil {
					t.Errorf("Snapshot failed: %v", err)
					return
				}
				if snap.DownloadedTiles < prev {
					t.Errorf("non-monotonic read: %d -> %d", prev, snap.DownloadedTiles)
					return
				}
				prev = snap.DownloadedTiles
			}
		}()
	}

	// Unrelated sessions must not contend with the writer above.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			id := string(rune('b' + i%20))
			s.Create(id)
			_ = s.Init(id, 1, nil)
			_ = s.Advance(id, false)
		}
	}()

	wg.Wait()

	snap, _ := s.Snapshot("a")
	if snap.DownloadedTiles != 1000 {
		t.Errorf("final downloaded = %d, want 1000", snap.DownloadedTiles)
	}
}
