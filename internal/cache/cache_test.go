package cache

import (
	"os"
	"path/filepath"
	"testing"

	"readalong/internal/book"
	"readalong/internal/segment"
	"readalong/internal/token"
)

func testKey() Key {
	return Key{
		AudioHash:   "abc123",
		Backend:     "whisper",
		Granularity: segment.Word,
		TextHash:    "def456",
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestTokensRoundTrip(t *testing.T) {
	store := newStore(t)
	key := testKey()

	if _, ok := store.GetTokens(key); ok {
		t.Fatal("expected miss on empty store")
	}

	tokens := []token.TimedToken{
		{Text: "hello", StartMS: 0, EndMS: 300, Confidence: 0.9},
		{Text: "world", StartMS: 300, EndMS: 700, Confidence: token.NoConfidence},
	}
	if err := store.PutTokens(key, tokens); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := store.GetTokens(key)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if len(got) != 2 || got[0].Text != "hello" || got[1].EndMS != 700 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestChapterRoundTrip(t *testing.T) {
	store := newStore(t)
	key := testKey()

	payload := &ChapterPayload{
		Units: []segment.SyncUnit{
			{AnchorID: "seg_000_000", Text: "Hello", Granularity: segment.Word},
		},
		Timings: []book.TimingEntry{
			{AnchorID: "seg_000_000", ClipBeginMS: 0, ClipEndMS: 300, AudioFileRef: "a.mp3"},
		},
		Coverage: 1.0,
	}
	if err := store.PutChapter(key, payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := store.GetChapter(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Coverage != 1.0 || len(got.Units) != 1 || len(got.Timings) != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestKeySensitivity(t *testing.T) {
	store := newStore(t)
	key := testKey()
	if err := store.PutTokens(key, []token.TimedToken{{Text: "x", StartMS: 0, EndMS: 1}}); err != nil {
		t.Fatal(err)
	}

	variants := []Key{
		{AudioHash: "other", Backend: key.Backend, Granularity: key.Granularity, TextHash: key.TextHash},
		{AudioHash: key.AudioHash, Backend: "parakeet", Granularity: key.Granularity, TextHash: key.TextHash},
		{AudioHash: key.AudioHash, Backend: key.Backend, Granularity: segment.Sentence, TextHash: key.TextHash},
		{AudioHash: key.AudioHash, Backend: key.Backend, Granularity: key.Granularity, TextHash: "other"},
	}
	for i, variant := range variants {
		if variant.Fingerprint() == key.Fingerprint() {
			t.Errorf("variant %d collides with original fingerprint", i)
		}
		if _, ok := store.GetTokens(variant); ok {
			t.Errorf("variant %d unexpectedly hit", i)
		}
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	store := newStore(t)
	key := testKey()
	if err := store.PutTokens(key, []token.TimedToken{{Text: "x", StartMS: 0, EndMS: 1}}); err != nil {
		t.Fatal(err)
	}

	path := store.path("tokens", key)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.GetTokens(key); ok {
		t.Fatal("corrupt entry must read as a miss")
	}
}

func TestInvalidate(t *testing.T) {
	store := newStore(t)
	key := testKey()
	if err := store.PutTokens(key, []token.TimedToken{{Text: "x", StartMS: 0, EndMS: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Invalidate(key); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := store.GetTokens(key); ok {
		t.Fatal("expected miss after invalidate")
	}
	// Invalidating an absent key is not an error.
	if err := store.Invalidate(key); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
}

func TestClearAndStats(t *testing.T) {
	store := newStore(t)
	if err := store.PutTokens(testKey(), []token.TimedToken{{Text: "x", StartMS: 0, EndMS: 1}}); err != nil {
		t.Fatal(err)
	}
	other := testKey()
	other.AudioHash = "zzz"
	if err := store.PutChapter(other, &ChapterPayload{}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 2 || stats.TotalBytes == 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	removed, err := store.Clear()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("cleared %d entries, want 2", removed)
	}
	if entries, _ := os.ReadDir(store.Dir()); len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, filepath.Join(store.Dir(), e.Name()))
		}
		t.Fatalf("cache directory not empty: %v", names)
	}
}
