// Package cache is a content-addressed store for expensive pipeline
// intermediates. Entries are keyed by a fingerprint of their inputs, so
// changing any input invalidates exactly that slice of the cache.
//
// Writes are atomic per key (temp file plus rename). Concurrent runs over
// the same directory are not coordinated; simultaneous writers race and the
// last one wins, which is acceptable because both compute the same payload
// for the same fingerprint.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"readalong/internal/book"
	"readalong/internal/fileutil"
	"readalong/internal/logging"
	"readalong/internal/segment"
	"readalong/internal/token"
)

// Key identifies a cache slice. All four inputs participate in the
// fingerprint; a change to any one of them misses.
type Key struct {
	AudioHash   string
	Backend     string
	Granularity segment.Granularity
	TextHash    string
}

// Fingerprint derives the stable entry name for the key.
func (k Key) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n", k.AudioHash, k.Backend, k.Granularity, k.TextHash)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ChapterPayload is the cached result of segmentation plus alignment.
type ChapterPayload struct {
	Units    []segment.SyncUnit `json:"units"`
	Timings  []book.TimingEntry `json:"timings"`
	Coverage float64            `json:"coverage"`
	Degraded bool               `json:"degraded"`
}

type envelope struct {
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Store is an explicit handle to one cache directory. Its lifetime is tied
// to a pipeline run and it is passed to each chapter job rather than shared
// through package state.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New opens (and if needed creates) the cache directory.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(kind string, key Key) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", kind, key.Fingerprint()))
}

// GetTokens returns the cached transcript for the key, or false on a miss.
// Malformed entries count as misses.
func (s *Store) GetTokens(key Key) ([]token.TimedToken, bool) {
	var tokens []token.TimedToken
	if !s.read("tokens", key, &tokens) {
		return nil, false
	}
	return tokens, true
}

// PutTokens stores a transcript under the key.
func (s *Store) PutTokens(key Key, tokens []token.TimedToken) error {
	return s.write("tokens", key, tokens)
}

// GetChapter returns the cached segmentation and alignment for the key.
func (s *Store) GetChapter(key Key) (*ChapterPayload, bool) {
	var payload ChapterPayload
	if !s.read("chapter", key, &payload) {
		return nil, false
	}
	return &payload, true
}

// PutChapter stores segmentation and alignment output under the key.
func (s *Store) PutChapter(key Key, payload *ChapterPayload) error {
	return s.write("chapter", key, payload)
}

// Invalidate removes all entry kinds stored under the key.
func (s *Store) Invalidate(key Key) error {
	for _, kind := range []string{"tokens", "chapter"} {
		if err := os.Remove(s.path(kind, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("invalidate cache entry: %w", err)
		}
	}
	return nil
}

func (s *Store) read(kind string, key Key, out any) bool {
	path := s.path(kind, key)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("discarding malformed cache entry",
			logging.String("path", path), logging.Error(err))
		return false
	}
	if env.Fingerprint != key.Fingerprint() {
		s.logger.Warn("cache entry fingerprint mismatch",
			logging.String("path", path))
		return false
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		s.logger.Warn("discarding malformed cache payload",
			logging.String("path", path), logging.Error(err))
		return false
	}
	return true
}

func (s *Store) write(kind string, key Key, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	env := envelope{
		Fingerprint: key.Fingerprint(),
		CreatedAt:   time.Now().UTC(),
		Payload:     raw,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path(kind, key), data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry in the cache directory. Used by the cache
// subcommand, not by pipeline runs.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove cache entry: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Stats summarizes the cache directory for reporting.
type Stats struct {
	Entries    int
	TotalBytes int64
}

func (s *Store) Stats() (Stats, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("read cache directory: %w", err)
	}
	var stats Stats
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Entries++
		stats.TotalBytes += info.Size()
	}
	return stats, nil
}
