package registry

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultDB is the level of a source that has not reported yet
	DefaultDB = -120.0

	// dbJitter is the smallest level change worth a notification
	dbJitter = 0.1
)

// Record is the registry's view of one source
type Record struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	DB         float64   `json:"db"`
	Speaking   bool      `json:"speaking"`
	IsClosest  bool      `json:"is_closest"`
	Transcript string    `json:"transcript"`
	LastUpdate time.Time `json:"last_update"`
}

// Patch carries the fields an Upsert merges into a record. Nil fields are left alone.
type Patch struct {
	Label      *string
	DB         *float64
	Speaking   *bool
	Transcript *string
}

// RankEntry is one element of a ranking order
type RankEntry struct {
	ID string  `json:"id"`
	DB float64 `json:"db"`
}

// Registry is the shared roster of sources
type Registry struct {
	records map[string]*Record
	order   []string // insertion order

	version     uint64
	subscribers map[int]chan struct{}
	nextSubID   int

	now func() time.Time
	mu  sync.Mutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		records:     make(map[string]*Record),
		subscribers: make(map[int]chan struct{}),
		now:         time.Now,
	}
}

// Upsert merges patch into the record for id, creating it with defaults if absent.
// It reports whether anything changed. A patch that leaves label, speaking and
// transcript as they are and moves the level by less than 0.1 dB is ignored.
func (r *Registry) Upsert(id string, patch Patch) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.upsertLocked(id, patch)
}

// UpsertAndRank merges patch like Upsert and re-runs the election under the same
// lock, so a snapshot never shows a silent record as closest.
func (r *Registry) UpsertAndRank(id string, patch Patch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	if id != "" {
		changed = r.upsertLocked(id, patch)
	}
	if r.markLocked(r.electLocked()) {
		changed = true
	}
	return changed
}

// Silence clears the speaking flag of an existing record and re-runs the election.
// The record itself is kept. Unknown ids are ignored.
func (r *Registry) Silence(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}

	changed := false
	if rec.Speaking {
		rec.Speaking = false
		rec.LastUpdate = r.now()
		r.changedLocked()
		changed = true
	}
	if r.markLocked(r.electLocked()) {
		changed = true
	}
	return changed
}

func (r *Registry) upsertLocked(id string, patch Patch) bool {
	rec, exists := r.records[id]
	if !exists {
		rec = &Record{ID: id, DB: DefaultDB}
	}

	next := *rec
	if patch.Label != nil {
		next.Label = *patch.Label
	}
	if patch.DB != nil && !math.IsNaN(*patch.DB) {
		next.DB = *patch.DB
	}
	if patch.Speaking != nil {
		next.Speaking = *patch.Speaking
	}
	if patch.Transcript != nil {
		next.Transcript = *patch.Transcript
	}

	if exists &&
		next.Label == rec.Label &&
		next.Speaking == rec.Speaking &&
		next.Transcript == rec.Transcript &&
		math.Abs(next.DB-rec.DB) < dbJitter {
		return false
	}

	next.LastUpdate = r.now()
	*rec = next
	if !exists {
		r.records[id] = rec
		r.order = append(r.order, id)
	}

	r.changedLocked()
	return true
}

// RankAndMark elects the loudest speaking record as closest and clears the flag
// everywhere else. Exact ties go to the record inserted later. It reports whether
// any flag moved; calling it again without new data changes nothing.
func (r *Registry) RankAndMark() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	winner := r.electLocked()
	return r.markLocked(winner)
}

// SetTranscript replaces the transcript of an existing record. Unknown ids are ignored.
func (r *Registry) SetTranscript(id, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.Transcript == text {
		return false
	}

	rec.Transcript = text
	rec.LastUpdate = r.now()
	r.changedLocked()
	return true
}

// ApplyRankingOverride marks the first id of an externally computed order as closest,
// bypassing the local election. An empty order or an unknown first id is a no-op.
func (r *Registry) ApplyRankingOverride(order []RankEntry) bool {
	if len(order) == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[order[0].ID]; !ok {
		return false
	}
	return r.markLocked(order[0].ID)
}

// Clear empties the registry
func (r *Registry) Clear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return false
	}

	r.records = make(map[string]*Record)
	r.order = nil
	r.changedLocked()
	return true
}

// Get returns a copy of the record for id
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of known sources
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Closest returns the id of the closest record, or "" when nobody is closest
func (r *Registry) Closest() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if r.records[id].IsClosest {
			return id
		}
	}
	return ""
}

// Snapshot returns copies of all records ordered closest first, then speaking,
// then by level descending. Records that compare equal keep insertion order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsClosest != b.IsClosest {
			return a.IsClosest
		}
		if a.Speaking != b.Speaking {
			return a.Speaking
		}
		return a.DB > b.DB
	})
	return out
}

// RankingOrder returns the speaking records in election order: the closest
// candidate first, then by level descending.
func (r *Registry) RankingOrder() []RankEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Walk insertion order backwards so that a stable sort puts later records
	// first on exact ties, matching the election.
	var out []RankEntry
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.records[r.order[i]]
		if rec.Speaking {
			out = append(out, RankEntry{ID: rec.ID, DB: rec.DB})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DB > out[j].DB
	})
	return out
}

// Version returns a counter that increases on every observable change
func (r *Registry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Subscribe returns a channel that receives a signal after changes, and a function
// that unsubscribes. Signals coalesce: a slow reader sees one pending signal for
// any number of changes and should re-read the snapshot.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan struct{}, 1)
	r.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
		})
	}
	return ch, cancel
}

// electLocked returns the id of the loudest speaking record, or "" if nobody speaks
func (r *Registry) electLocked() string {
	winner := ""
	best := math.Inf(-1)
	for _, id := range r.order {
		rec := r.records[id]
		if !rec.Speaking {
			continue
		}
		if rec.DB >= best {
			best = rec.DB
			winner = id
		}
	}
	return winner
}

// markLocked sets IsClosest on winner only
func (r *Registry) markLocked(winner string) bool {
	changed := false
	for _, id := range r.order {
		rec := r.records[id]
		want := id == winner
		if rec.IsClosest != want {
			rec.IsClosest = want
			changed = true
		}
	}

	if changed {
		r.changedLocked()
	}
	return changed
}

func (r *Registry) changedLocked() {
	r.version++
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
