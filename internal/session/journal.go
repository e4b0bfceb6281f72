package session

import (
	"sync"
	"time"

	"lifewire/internal/diff"
)

// Journal keeps a rolling buffer of recent full snapshots so resyncs and late
// joins can be served without recomputing, enforcing retention limits by count
// and age.
type Journal struct {
	mu        sync.RWMutex
	frames    []journalFrame
	maxFrames int
	maxAge    time.Duration
}

type journalFrame struct {
	snapshot   diff.Diff
	recordedAt time.Time
}

// SnapshotEviction describes one snapshot dropped during a record.
type SnapshotEviction struct {
	Generation uint64
	Reason     string
}

// SnapshotRecordResult reports the journal window after a record.
type SnapshotRecordResult struct {
	Size             int
	OldestGeneration uint64
	NewestGeneration uint64
	Evicted          []SnapshotEviction
}

// NewJournal constructs a journal with storage for the configured number of
// snapshots and retention window.
func NewJournal(capacity int, maxAge time.Duration) *Journal {
	if capacity < 0 {
		capacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &Journal{
		frames:    make([]journalFrame, 0, capacity),
		maxFrames: capacity,
		maxAge:    maxAge,
	}
}

// Record stores a snapshot, evicting expired and overflowing frames.
func (j *Journal) Record(snapshot diff.Diff) SnapshotRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		j.frames = j.frames[:0]
		return SnapshotRecordResult{}
	}

	now := time.Now()
	j.frames = append(j.frames, journalFrame{snapshot: snapshot, recordedAt: now})

	evicted := make([]SnapshotEviction, 0)
	if j.maxAge > 0 {
		cutoff := now.Add(-j.maxAge)
		idx := 0
		for idx < len(j.frames) {
			if !j.frames[idx].recordedAt.Before(cutoff) {
				break
			}
			evicted = append(evicted, SnapshotEviction{
				Generation: j.frames[idx].snapshot.TargetGen,
				Reason:     "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(j.frames, j.frames[idx:])
			j.frames = j.frames[:len(j.frames)-idx]
		}
	}

	if len(j.frames) > j.maxFrames {
		overflow := len(j.frames) - j.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, SnapshotEviction{
				Generation: j.frames[i].snapshot.TargetGen,
				Reason:     "count",
			})
		}
		copy(j.frames, j.frames[overflow:])
		j.frames = j.frames[:len(j.frames)-overflow]
	}

	result := SnapshotRecordResult{Size: len(j.frames), Evicted: evicted}
	if len(j.frames) > 0 {
		result.OldestGeneration = j.frames[0].snapshot.TargetGen
		result.NewestGeneration = j.frames[len(j.frames)-1].snapshot.TargetGen
	}
	return result
}

// ByGeneration returns the snapshot recorded at the given generation.
func (j *Journal) ByGeneration(generation uint64) (diff.Diff, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, frame := range j.frames {
		if frame.snapshot.TargetGen == generation {
			return frame.snapshot, true
		}
	}
	return diff.Diff{}, false
}

// Window reports the current retention window.
func (j *Journal) Window() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.frames)
	if size == 0 {
		return size, 0, 0
	}
	return size, j.frames[0].snapshot.TargetGen, j.frames[size-1].snapshot.TargetGen
}
