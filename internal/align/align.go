// Package align reconciles spoken-word timing with independently authored
// reading text. It anchors exact matches with a longest-common-subsequence
// pass, fills the gaps between anchors with fuzzy matches, and enforces
// monotone playback order on the result.
package align

import (
	"log/slog"
	"sort"

	"readalong/internal/book"
	"readalong/internal/logging"
	"readalong/internal/segment"
	"readalong/internal/textutil"
	"readalong/internal/token"
)

// Options tune per-unit match acceptance and chapter-level coverage flagging.
type Options struct {
	// SimilarityThreshold is the maximum normalized edit distance a fuzzy
	// match may have. Matches above it are rejected per unit.
	SimilarityThreshold float64
	// MinCoverage is the fraction of units that must receive a timing
	// before the chapter is flagged degraded.
	MinCoverage float64
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{SimilarityThreshold: 0.5, MinCoverage: 0.5}
}

// Result carries the timing entries plus the coverage verdict. Degraded
// chapters are still produced; the flag only drives reporting.
type Result struct {
	Timings  []book.TimingEntry
	Coverage float64
	Degraded bool
}

// Chapter matches a transcript token sequence onto a chapter's sync units.
// Tokens with no unit are discarded; units with no acceptable token are left
// untimed. Matched timings are strictly monotone in clip begin.
func Chapter(units []segment.SyncUnit, tokens []token.TimedToken, audioFileRef string, opts Options, logger *slog.Logger) Result {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultOptions().SimilarityThreshold
	}
	if opts.MinCoverage <= 0 {
		opts.MinCoverage = DefaultOptions().MinCoverage
	}

	unitNorms := make([]string, len(units))
	for i, u := range units {
		unitNorms[i] = textutil.NormalizeToken(u.Text)
	}
	tokenNorms := make([]string, len(tokens))
	for i, t := range tokens {
		tokenNorms[i] = textutil.NormalizeToken(t.Text)
	}

	matches := anchorMatches(tokenNorms, unitNorms)
	matches = fillGaps(matches, tokenNorms, unitNorms, opts.SimilarityThreshold)

	timings := make([]book.TimingEntry, 0, len(matches))
	var prevBegin int64 = -1
	rejected := 0
	zeroLength := 0
	for _, m := range matches {
		tok := tokens[m.token]
		if tok.EndMS <= tok.StartMS {
			// Clamping can collapse a token to a zero-length clip; such a
			// clip cannot drive playback, so the unit stays untimed.
			zeroLength++
			continue
		}
		if tok.StartMS < prevBegin {
			rejected++
			continue
		}
		timings = append(timings, book.TimingEntry{
			AnchorID:     units[m.unit].AnchorID,
			ClipBeginMS:  tok.StartMS,
			ClipEndMS:    tok.EndMS,
			AudioFileRef: audioFileRef,
		})
		prevBegin = tok.StartMS
	}
	if rejected > 0 {
		logger.Warn("dropped out-of-order matches to preserve playback order",
			logging.Int("rejected", rejected))
	}
	if zeroLength > 0 {
		logger.Warn("left units with zero-length clips untimed",
			logging.Int("units", zeroLength))
	}

	coverage := 0.0
	if len(units) > 0 {
		coverage = float64(len(timings)) / float64(len(units))
	}
	result := Result{
		Timings:  timings,
		Coverage: coverage,
		Degraded: coverage < opts.MinCoverage,
	}
	if result.Degraded {
		logger.Warn("alignment coverage below minimum",
			logging.Float64("coverage", coverage),
			logging.Float64("minimum", opts.MinCoverage),
			logging.Int("timed", len(timings)),
			logging.Int("units", len(units)))
	}
	return result
}

// Identity pairs each unit with the token at the same index. Transcript mode
// uses it because the units were built from the token stream itself. Units
// whose token clamped to a zero-length clip stay untimed.
func Identity(units []segment.SyncUnit, tokens []token.TimedToken, audioFileRef string) []book.TimingEntry {
	n := len(units)
	if len(tokens) < n {
		n = len(tokens)
	}
	timings := make([]book.TimingEntry, 0, n)
	for i := 0; i < n; i++ {
		if tokens[i].EndMS <= tokens[i].StartMS {
			continue
		}
		timings = append(timings, book.TimingEntry{
			AnchorID:     units[i].AnchorID,
			ClipBeginMS:  tokens[i].StartMS,
			ClipEndMS:    tokens[i].EndMS,
			AudioFileRef: audioFileRef,
		})
	}
	return timings
}

type match struct {
	token int
	unit  int
}

// anchorMatches computes a longest common subsequence of exact normalized
// matches using the Hunt-Szymanski reduction to longest increasing
// subsequence, which stays fast on book-length word sequences where the
// classic quadratic table would not.
func anchorMatches(tokenNorms, unitNorms []string) []match {
	positions := make(map[string][]int, len(unitNorms))
	for i, norm := range unitNorms {
		if norm == "" {
			continue
		}
		positions[norm] = append(positions[norm], i)
	}

	// tails[k] is the node whose unit index is the smallest ending an
	// increasing subsequence of length k+1; prev links reconstruct the
	// chosen chain.
	type node struct {
		match
		prev int
	}
	var nodes []node
	var tails []int

	for ti, norm := range tokenNorms {
		if norm == "" {
			continue
		}
		units := positions[norm]
		// Descending unit order keeps one token from extending a chain
		// through two of its own candidates.
		for k := len(units) - 1; k >= 0; k-- {
			ui := units[k]
			pos := sort.Search(len(tails), func(p int) bool {
				return nodes[tails[p]].unit >= ui
			})
			prev := -1
			if pos > 0 {
				prev = tails[pos-1]
			}
			nodes = append(nodes, node{match{ti, ui}, prev})
			if pos == len(tails) {
				tails = append(tails, len(nodes)-1)
			} else {
				tails[pos] = len(nodes) - 1
			}
		}
	}

	if len(tails) == 0 {
		return nil
	}
	var out []match
	for i := tails[len(tails)-1]; i >= 0; i = nodes[i].prev {
		out = append(out, nodes[i].match)
	}
	reverse(out)
	return out
}

func reverse(m []match) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

// fillGaps attempts fuzzy matches for units between consecutive anchors.
// Within a gap the search is one way: once a token is consumed, later units
// only consider later tokens, which keeps the match set monotone by
// construction.
func fillGaps(anchors []match, tokenNorms, unitNorms []string, threshold float64) []match {
	var out []match
	prevT, prevU := -1, -1

	fill := func(tLo, tHi, uLo, uHi int) {
		tNext := tLo
		for ui := uLo; ui < uHi; ui++ {
			if unitNorms[ui] == "" {
				continue
			}
			best, bestDist, bestDisp := -1, threshold, 0
			for ti := tNext; ti < tHi; ti++ {
				if tokenNorms[ti] == "" {
					continue
				}
				d := textutil.NormalizedDistance(tokenNorms[ti], unitNorms[ui])
				if d > threshold {
					continue
				}
				disp := abs((ti - tLo) - (ui - uLo))
				if best < 0 || d < bestDist || (d == bestDist && disp < bestDisp) {
					best, bestDist, bestDisp = ti, d, disp
				}
			}
			if best >= 0 {
				out = append(out, match{best, ui})
				tNext = best + 1
			}
		}
	}

	for _, a := range anchors {
		fill(prevT+1, a.token, prevU+1, a.unit)
		out = append(out, a)
		prevT, prevU = a.token, a.unit
	}
	fill(prevT+1, len(tokenNorms), prevU+1, len(unitNorms))
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
