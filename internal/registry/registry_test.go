package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func metrics(db float64, speaking bool) Patch {
	return Patch{DB: ptr(db), Speaking: ptr(speaking)}
}

func closestCount(r *Registry) int {
	n := 0
	for _, rec := range r.Snapshot() {
		if rec.IsClosest {
			n++
		}
	}
	return n
}

func TestUpsertCreatesWithDefaults(t *testing.T) {
	r := New()

	if !r.Upsert("a", Patch{Label: ptr("Mic A")}) {
		t.Fatal("Expected first upsert to report a change")
	}

	rec, ok := r.Get("a")
	if !ok {
		t.Fatal("Record was not created")
	}

	if rec.DB != DefaultDB {
		t.Errorf("Expected default db %v, got %v", DefaultDB, rec.DB)
	}
	if rec.Speaking || rec.IsClosest || rec.Transcript != "" {
		t.Errorf("Unexpected defaults: %+v", rec)
	}
	if rec.Label != "Mic A" {
		t.Errorf("Expected label 'Mic A', got '%s'", rec.Label)
	}
	if rec.LastUpdate.IsZero() {
		t.Error("Expected LastUpdate to be set")
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	r := New()
	if r.Upsert("", metrics(-30, true)) {
		t.Error("Empty id must not create a record")
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d records", r.Len())
	}
}

func TestUpsertHysteresis(t *testing.T) {
	r := New()
	r.Upsert("a", metrics(-40, true))

	before, _ := r.Get("a")
	version := r.Version()

	if r.Upsert("a", metrics(-39.95, true)) {
		t.Error("Sub-0.1dB change should be suppressed")
	}

	after, _ := r.Get("a")
	if after != before {
		t.Errorf("Suppressed upsert mutated record: %+v -> %+v", before, after)
	}
	if r.Version() != version {
		t.Error("Suppressed upsert bumped the version")
	}

	if !r.Upsert("a", metrics(-39.8, true)) {
		t.Error("A 0.2dB change should be applied")
	}

	if !r.Upsert("a", metrics(-39.8, false)) {
		t.Error("A speaking change should be applied regardless of level")
	}
}

func TestUpsertLabelChangeBypassesHysteresis(t *testing.T) {
	r := New()
	r.Upsert("a", Patch{Label: ptr("old")})

	if !r.Upsert("a", Patch{Label: ptr("new")}) {
		t.Error("Label change should be applied")
	}
}

func TestRankAndMarkScenarios(t *testing.T) {
	r := New()

	// Scenario A: louder speaking source wins
	r.Upsert("A", metrics(-30, true))
	r.Upsert("B", metrics(-50, true))
	r.RankAndMark()
	if got := r.Closest(); got != "A" {
		t.Fatalf("Scenario A: expected A closest, got %q", got)
	}

	// Scenario B: A stops speaking, B takes over
	r.Upsert("A", metrics(-80, false))
	r.RankAndMark()
	if got := r.Closest(); got != "B" {
		t.Fatalf("Scenario B: expected B closest, got %q", got)
	}

	// Scenario C: nobody speaking, nobody closest
	r.Upsert("B", metrics(-80, false))
	r.RankAndMark()
	if got := r.Closest(); got != "" {
		t.Fatalf("Scenario C: expected nobody closest, got %q", got)
	}
	if closestCount(r) != 0 {
		t.Error("Scenario C: closest flag left on a record")
	}
}

func TestRankingOverridePrecedence(t *testing.T) {
	r := New()
	r.Upsert("A", metrics(-30, true))
	r.Upsert("B", metrics(-50, true))
	r.RankAndMark()

	// Scenario D: the override wins against louder local data
	if !r.ApplyRankingOverride([]RankEntry{{ID: "B", DB: -50}}) {
		t.Fatal("Expected override to change the closest source")
	}
	if got := r.Closest(); got != "B" {
		t.Fatalf("Expected B closest after override, got %q", got)
	}

	// The next local election reverts it
	r.RankAndMark()
	if got := r.Closest(); got != "A" {
		t.Fatalf("Expected local ranking to revert to A, got %q", got)
	}
}

func TestRankingOverrideUnknownOrEmpty(t *testing.T) {
	r := New()
	r.Upsert("A", metrics(-30, true))
	r.RankAndMark()

	if r.ApplyRankingOverride(nil) {
		t.Error("Empty override should be a no-op")
	}
	if r.ApplyRankingOverride([]RankEntry{{ID: "ghost"}, {ID: "A"}}) {
		t.Error("Override naming an unknown first id should be a no-op")
	}
	if got := r.Closest(); got != "A" {
		t.Errorf("Expected A to stay closest, got %q", got)
	}
	if r.Len() != 1 {
		t.Error("Override must not create records")
	}
}

func TestRankAndMarkIdempotent(t *testing.T) {
	r := New()
	r.Upsert("A", metrics(-30, true))
	r.Upsert("B", metrics(-40, true))

	if !r.RankAndMark() {
		t.Fatal("First election should change flags")
	}

	version := r.Version()
	first := r.Snapshot()

	if r.RankAndMark() {
		t.Error("Second election should not change anything")
	}
	if r.Version() != version {
		t.Error("Second election bumped the version")
	}

	second := r.Snapshot()
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Record %d changed: %+v -> %+v", i, first[i], second[i])
		}
	}
}

func TestRankAndMarkTieGoesToLaterRecord(t *testing.T) {
	r := New()
	r.Upsert("first", metrics(-40, true))
	r.Upsert("second", metrics(-40, true))
	r.Upsert("third", metrics(-60, true))
	r.RankAndMark()

	if got := r.Closest(); got != "second" {
		t.Errorf("Expected later-inserted record to win the tie, got %q", got)
	}

	order := r.RankingOrder()
	if len(order) != 3 || order[0].ID != "second" || order[1].ID != "first" || order[2].ID != "third" {
		t.Errorf("Unexpected ranking order: %+v", order)
	}
}

func TestSingleClosestInvariant(t *testing.T) {
	r := New()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("s%d", rng.Intn(6))
		r.Upsert(id, metrics(-90+rng.Float64()*80, rng.Intn(3) > 0))
		r.RankAndMark()

		n := 0
		for _, rec := range r.Snapshot() {
			if rec.IsClosest {
				n++
				if !rec.Speaking {
					t.Fatalf("Step %d: closest record %s is not speaking", i, rec.ID)
				}
			}
		}
		if n > 1 {
			t.Fatalf("Step %d: %d records marked closest", i, n)
		}
	}
}

func TestUpsertAndRank(t *testing.T) {
	r := New()

	if !r.UpsertAndRank("a", metrics(-30, true)) {
		t.Fatal("Expected first report to change the registry")
	}
	if got := r.Closest(); got != "a" {
		t.Fatalf("Expected a closest, got %q", got)
	}

	r.UpsertAndRank("b", metrics(-20, true))
	if got := r.Closest(); got != "b" {
		t.Errorf("Expected b closest, got %q", got)
	}

	r.UpsertAndRank("b", metrics(-20, false))
	if got := r.Closest(); got != "a" {
		t.Errorf("Expected a closest after b went quiet, got %q", got)
	}

	version := r.Version()
	if r.UpsertAndRank("b", metrics(-20.05, false)) {
		t.Error("Jitter below 0.1 dB should not report a change")
	}
	if r.Version() != version {
		t.Error("Version moved without a change")
	}
}

func TestUpsertAndRankSnapshotsStayConsistent(t *testing.T) {
	r := New()
	r.UpsertAndRank("steady", metrics(-60, true))

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			r.UpsertAndRank("flicker", metrics(-20, i%2 == 0))
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		for _, rec := range r.Snapshot() {
			if rec.IsClosest && !rec.Speaking {
				t.Fatalf("Snapshot shows silent record %s as closest", rec.ID)
			}
		}
	}
}

func TestSilence(t *testing.T) {
	r := New()

	if r.Silence("ghost") {
		t.Error("Silencing an unknown id should be a no-op")
	}

	r.UpsertAndRank("a", metrics(-30, true))
	r.UpsertAndRank("b", metrics(-50, true))

	if !r.Silence("a") {
		t.Fatal("Expected silencing the closest record to report a change")
	}
	if got := r.Closest(); got != "b" {
		t.Errorf("Expected b closest, got %q", got)
	}

	rec, ok := r.Get("a")
	if !ok {
		t.Fatal("Silenced record must be kept")
	}
	if rec.Speaking || rec.IsClosest || rec.DB != -30 {
		t.Errorf("Unexpected silenced record: %+v", rec)
	}

	order := r.RankingOrder()
	if len(order) != 1 || order[0].ID != "b" {
		t.Errorf("Expected only b ranked, got %+v", order)
	}

	if r.Silence("a") {
		t.Error("Silencing twice should not report a change")
	}
}

func TestSetTranscript(t *testing.T) {
	r := New()

	if r.SetTranscript("ghost", "hello") {
		t.Error("Transcript for unknown id should be ignored")
	}
	if r.Len() != 0 {
		t.Error("Transcript for unknown id must not create a record")
	}

	r.Upsert("a", Patch{})
	if !r.SetTranscript("a", "hello") {
		t.Error("Expected transcript to be set")
	}
	if r.SetTranscript("a", "hello") {
		t.Error("Same transcript should be a no-op")
	}

	rec, _ := r.Get("a")
	if rec.Transcript != "hello" {
		t.Errorf("Expected transcript 'hello', got '%s'", rec.Transcript)
	}
}

func TestSnapshotOrder(t *testing.T) {
	r := New()
	r.Upsert("quiet-loud", metrics(-20, false))
	r.Upsert("quiet-soft", metrics(-90, false))
	r.Upsert("speak-soft", metrics(-50, true))
	r.Upsert("speak-loud", metrics(-30, true))
	r.Upsert("quiet-loud-2", metrics(-20, false))
	r.RankAndMark()

	want := []string{"speak-loud", "speak-soft", "quiet-loud", "quiet-loud-2", "quiet-soft"}
	got := r.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	r.Upsert("a", metrics(-30, true))

	snap := r.Snapshot()
	snap[0].DB = 0

	rec, _ := r.Get("a")
	if rec.DB != -30 {
		t.Error("Mutating a snapshot changed the registry")
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Upsert("a", metrics(-30, true))
	r.Upsert("b", metrics(-40, true))
	r.RankAndMark()

	if !r.Clear() {
		t.Fatal("Expected clear to report a change")
	}
	if r.Len() != 0 || r.Closest() != "" {
		t.Error("Registry not empty after clear")
	}
	if r.Clear() {
		t.Error("Clearing an empty registry should be a no-op")
	}

	// Re-created records start again at the end of the insertion order
	r.Upsert("b", metrics(-40, true))
	r.Upsert("a", metrics(-40, true))
	r.RankAndMark()
	if got := r.Closest(); got != "a" {
		t.Errorf("Expected a to win the tie after clear, got %q", got)
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe()
	defer cancel()

	r.Upsert("a", metrics(-30, true))
	r.Upsert("b", metrics(-40, true))
	r.RankAndMark()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Expected a change signal")
	}

	select {
	case <-ch:
		t.Fatal("Signals should coalesce into one")
	default:
	}

	// Suppressed updates send nothing
	r.Upsert("a", metrics(-30.01, true))
	select {
	case <-ch:
		t.Fatal("Suppressed upsert should not notify")
	default:
	}
}

func TestSubscribeCancel(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe()
	cancel()
	cancel()

	r.Upsert("a", Patch{})
	select {
	case <-ch:
		t.Fatal("Cancelled subscriber received a signal")
	default:
	}
}

func TestLastUpdateUsesClock(t *testing.T) {
	r := New()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Upsert("a", Patch{})
	rec, _ := r.Get("a")
	if !rec.LastUpdate.Equal(fixed) {
		t.Errorf("Expected LastUpdate %v, got %v", fixed, rec.LastUpdate)
	}
}
