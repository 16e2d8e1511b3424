// Package segment splits chapter reading text into ordered sync units at
// word or sentence granularity and assigns each unit a stable anchor id.
package segment

import (
	"fmt"
	"strings"
	"unicode"

	"readalong/internal/token"
)

// Granularity selects the unit size at which text and audio are linked.
type Granularity string

const (
	Word     Granularity = "word"
	Sentence Granularity = "sentence"
)

// ParseGranularity validates a user-supplied granularity value.
func ParseGranularity(value string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(value))) {
	case Word:
		return Word, nil
	case Sentence:
		return Sentence, nil
	default:
		return "", fmt.Errorf("unsupported granularity %q (expected word or sentence)", value)
	}
}

// SyncUnit is a discrete span of reading text addressable by a stable
// identifier. A chapter's ordered unit sequence is its reading text.
type SyncUnit struct {
	AnchorID    string      `json:"anchor_id"`
	Text        string      `json:"text"`
	Granularity Granularity `json:"granularity"`
}

// AnchorID derives the identifier for a unit from its chapter and position.
// Identical text on a rerun yields identical ids, which cache validity and
// diffing depend on.
func AnchorID(chapterIndex, unitIndex int) string {
	return fmt.Sprintf("seg_%03d_%03d", chapterIndex, unitIndex)
}

// Options bound how much text a single unit may carry.
type Options struct {
	Granularity Granularity
	// MaxSentenceLength forces a split when a run of text has no sentence
	// terminator. Zero selects the default of 200 characters.
	MaxSentenceLength int
}

const defaultMaxSentenceLength = 200

// Split segments raw reading text into sync units for one chapter.
func Split(chapterIndex int, text string, opts Options) []SyncUnit {
	maxLen := opts.MaxSentenceLength
	if maxLen <= 0 {
		maxLen = defaultMaxSentenceLength
	}

	var pieces []string
	switch opts.Granularity {
	case Sentence:
		pieces = splitSentences(text, maxLen)
	default:
		pieces = strings.Fields(text)
	}

	units := make([]SyncUnit, 0, len(pieces))
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		units = append(units, SyncUnit{
			AnchorID:    AnchorID(chapterIndex, len(units)),
			Text:        piece,
			Granularity: opts.Granularity,
		})
	}
	return units
}

// FromTokens builds one unit per timed token. Used in transcript mode where
// the reading text is the transcript itself, so alignment is the identity
// mapping.
func FromTokens(chapterIndex int, tokens []token.TimedToken, granularity Granularity) []SyncUnit {
	units := make([]SyncUnit, 0, len(tokens))
	for _, tok := range tokens {
		text := strings.TrimSpace(tok.Text)
		if text == "" {
			continue
		}
		units = append(units, SyncUnit{
			AnchorID:    AnchorID(chapterIndex, len(units)),
			Text:        text,
			Granularity: granularity,
		})
	}
	return units
}

// splitSentences breaks text on sentence-terminal punctuation that is not
// followed by a lowercase letter, which keeps run-ons like "e.g. example"
// and mid-word periods like "3.14" intact. Runs longer than maxLen with no
// terminator are hard-split at the last whitespace boundary before the limit.
func splitSentences(text string, maxLen int) []string {
	runes := []rune(strings.TrimSpace(text))
	var sentences []string
	start := 0

	flush := func(end int) {
		s := strings.TrimSpace(string(runes[start:end]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		if isTerminal(runes[i]) {
			// Consume trailing terminators and closing quotes.
			j := i + 1
			for j < len(runes) && (isTerminal(runes[j]) || isClosing(runes[j])) {
				j++
			}
			atBoundary := j >= len(runes) || unicode.IsSpace(runes[j])
			if atBoundary {
				if next := nextLetter(runes, j); next == 0 || !unicode.IsLower(next) {
					flush(j)
					i = j - 1
					continue
				}
			}
		}
		if i-start >= maxLen {
			cut := lastSpace(runes, start, i)
			if cut <= start {
				cut = i
			}
			flush(cut)
			i = cut
		}
	}
	flush(len(runes))
	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosing(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' ||
		r == '’' || r == '”'
}

// nextLetter returns the first letter at or after position i, skipping
// whitespace and quotes. Zero when none remains.
func nextLetter(runes []rune, i int) rune {
	for ; i < len(runes); i++ {
		r := runes[i]
		if unicode.IsLetter(r) {
			return r
		}
		if unicode.IsSpace(r) || isClosing(r) || r == '“' || r == '(' {
			continue
		}
		if unicode.IsDigit(r) {
			return 'A'
		}
	}
	return 0
}

func lastSpace(runes []rune, start, end int) int {
	for i := end; i > start; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return start
}
