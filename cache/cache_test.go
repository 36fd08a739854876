package cache

import (
	"fmt"
	"testing"
	"time"

	"physique-analyze-pipeline/kvstore"
	"physique-analyze-pipeline/models"
)

func testResult(score float64) *models.AnalysisResult {
	return &models.AnalysisResult{
		Metadata: &models.AnalysisMetadata{
			ImageQuality:    models.QualityGood,
			Confidence:      90,
			DetectedRegions: []string{"chest", "arms"},
		},
		MuscleScores: []models.MuscleScore{
			{Name: "Pectoralis Major", Group: "chest", Score: score, Category: "developed", Visibility: "clear"},
		},
		OverallAssessment: &models.OverallAssessment{
			StrongestMuscles: []string{"Pectoralis Major"},
			WeakestMuscles:   []string{"Calves"},
			PhysiqueScore:    score,
			SymmetryScore:    7,
			BalanceCategory:  "balanced",
		},
		Recommendations: []models.Recommendation{
			{Target: "Calves", Priority: "high", Exercises: []string{"Standing calf raise"}, Frequency: "2x/week"},
		},
	}
}

// fakeClock lets tests control the cache's notion of now.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(ttl time.Duration, maxEntries int) (*ResponseCache, *kvstore.MemoryStore, *fakeClock) {
	store := kvstore.NewMemoryStore()
	c := New(store, ttl, maxEntries, 0.2)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.now
	return c, store, clock
}

func TestGetMissOnEmptyCache(t *testing.T) {
	c, _, _ := newTestCache(0, 10)
	if _, ok := c.Get("file:///photos/front.jpg"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestPutThenGetIsIdempotent(t *testing.T) {
	c, _, _ := newTestCache(0, 10)
	ref := "file:///photos/front.jpg"
	c.Put(ref, testResult(8))

	for i := 0; i < 3; i++ {
		got, ok := c.Get(ref)
		if !ok {
			t.Fatalf("read %d: expected hit", i)
		}
		if got.OverallAssessment.PhysiqueScore != 8 {
			t.Errorf("read %d: physiqueScore = %v, want 8", i, got.OverallAssessment.PhysiqueScore)
		}
		if len(got.MuscleScores) != 1 || got.MuscleScores[0].Name != "Pectoralis Major" {
			t.Errorf("read %d: unexpected muscle scores %+v", i, got.MuscleScores)
		}
	}
}

func TestTTLExpiryRemovesEntry(t *testing.T) {
	c, store, clock := newTestCache(1*time.Minute, 10)
	ref := "file:///photos/back.jpg"
	c.Put(ref, testResult(6))

	clock.advance(30 * time.Second)
	if _, ok := c.Get(ref); !ok {
		t.Fatal("expected hit before TTL")
	}

	clock.advance(31 * time.Second)
	if _, ok := c.Get(ref); ok {
		t.Fatal("expected miss after TTL")
	}

	// Lazy deletion must have removed both the entry and its index row.
	keys, _ := store.Keys(keyPrefix)
	for _, k := range keys {
		if k == entryKey(Fingerprint(ref)) {
			t.Errorf("expired entry %s still stored", k)
		}
	}
	if stats := c.GetStats(); stats.Count != 0 {
		t.Errorf("stats.Count = %d after expiry, want 0", stats.Count)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, _, clock := newTestCache(0, 10)
	ref := "file:///photos/legs.jpg"
	c.Put(ref, testResult(5))

	clock.advance(10 * 365 * 24 * time.Hour)
	if _, ok := c.Get(ref); !ok {
		t.Fatal("entry with ttl=0 must never expire")
	}
}

func TestEvictionRemovesOldestFraction(t *testing.T) {
	const maxEntries = 10
	c, _, clock := newTestCache(0, maxEntries)

	refs := make([]string, maxEntries)
	for i := range refs {
		refs[i] = fmt.Sprintf("file:///photos/%02d.jpg", i)
		c.Put(refs[i], testResult(float64(i%9)+1))
		clock.advance(time.Second)
	}
	if got := c.GetStats().Count; got != maxEntries {
		t.Fatalf("pre-eviction count = %d, want %d", got, maxEntries)
	}

	// The insert that hits the limit evicts the oldest 20% first.
	c.Put("file:///photos/new.jpg", testResult(9))

	if got := c.GetStats().Count; got != maxEntries-1 {
		t.Errorf("post-eviction count = %d, want %d", got, maxEntries-1)
	}
	for _, ref := range refs[:2] {
		if _, ok := c.Get(ref); ok {
			t.Errorf("oldest entry %s should have been evicted", ref)
		}
	}
	for _, ref := range refs[2:] {
		if _, ok := c.Get(ref); !ok {
			t.Errorf("entry %s should have survived eviction", ref)
		}
	}
	if _, ok := c.Get("file:///photos/new.jpg"); !ok {
		t.Error("newly inserted entry missing after eviction")
	}
}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCache(0, 10)
	ref := "file:///photos/front.jpg"
	other := "file:///photos/side.jpg"
	c.Put(ref, testResult(8))
	c.Put(other, testResult(7))

	c.Invalidate(ref)

	if _, ok := c.Get(ref); ok {
		t.Error("invalidated entry still readable")
	}
	if _, ok := c.Get(other); !ok {
		t.Error("unrelated entry lost on invalidate")
	}
}

func TestClear(t *testing.T) {
	c, store, _ := newTestCache(0, 10)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("ref-%d", i), testResult(5))
	}

	c.Clear()

	if stats := c.GetStats(); stats.Count != 0 {
		t.Errorf("stats.Count = %d after clear, want 0", stats.Count)
	}
	if n := store.Len(); n != 0 {
		t.Errorf("store still holds %d keys after clear", n)
	}
}

func TestStats(t *testing.T) {
	c, _, clock := newTestCache(0, 10)
	start := clock.t
	c.Put("a", testResult(5))
	clock.advance(time.Minute)
	c.Put("b", testResult(6))

	stats := c.GetStats()
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}
	if stats.TotalBytes <= 0 {
		t.Errorf("TotalBytes = %d, want > 0", stats.TotalBytes)
	}
	if !stats.Oldest.Equal(start) {
		t.Errorf("Oldest = %v, want %v", stats.Oldest, start)
	}
	if !stats.Newest.Equal(start.Add(time.Minute)) {
		t.Errorf("Newest = %v, want %v", stats.Newest, start.Add(time.Minute))
	}
}

func TestPutSameRefKeepsOneIndexRow(t *testing.T) {
	c, _, clock := newTestCache(0, 10)
	ref := "file:///photos/front.jpg"
	c.Put(ref, testResult(5))
	clock.advance(time.Second)
	c.Put(ref, testResult(9))

	if got := c.GetStats().Count; got != 1 {
		t.Fatalf("index rows = %d after re-put, want 1", got)
	}
	res, ok := c.Get(ref)
	if !ok || res.OverallAssessment.PhysiqueScore != 9 {
		t.Errorf("re-put did not replace entry: ok=%v res=%+v", ok, res)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("file:///photos/front.jpg")
	b := Fingerprint("file:///photos/front.jpg")
	if a != b {
		t.Errorf("fingerprint not deterministic: %s vs %s", a, b)
	}
	if a == Fingerprint("file:///photos/back.jpg") {
		t.Error("distinct refs produced the same fingerprint")
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16 hex chars", len(a))
	}
}
