// Package overlay composes per-chapter sync documents, audio references,
// and navigation metadata into the media-overlay package model. Writing the
// container is a separate concern.
package overlay

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"readalong/internal/book"
	"readalong/internal/epubsource"
	"readalong/internal/syncdoc"
)

// IncompleteChapterError means a chapter reached assembly with no sync
// units, which cannot produce a reading-order entry.
type IncompleteChapterError struct {
	Index int
	Title string
}

func (e *IncompleteChapterError) Error() string {
	return fmt.Sprintf("chapter %d (%s) has no sync units", e.Index, e.Title)
}

// Entry pairs a chapter with its rendered documents.
type Entry struct {
	Chapter  *book.Chapter
	Document *syncdoc.Document
}

// Package is the complete structural model of the output book.
type Package struct {
	ID              string
	Metadata        book.Metadata
	Entries         []Entry
	CSSFiles        map[string][]byte
	Images          map[string][]byte
	CoverImage      string
	TotalDurationMS int64
}

// Assemble renders each chapter's documents and joins them with navigation
// and asset metadata. Chapters are ordered by index regardless of the order
// they finished processing in.
func Assemble(meta book.Metadata, chapters []*book.Chapter, assets *epubsource.Book) (*Package, error) {
	if len(chapters) == 0 {
		return nil, fmt.Errorf("no chapters to assemble")
	}
	sorted := make([]*book.Chapter, len(chapters))
	copy(sorted, chapters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	pkg := &Package{
		ID:       uuid.New().String(),
		Metadata: meta,
		CSSFiles: map[string][]byte{},
		Images:   map[string][]byte{},
	}
	if assets != nil {
		for name, data := range assets.CSSFiles {
			pkg.CSSFiles[name] = data
		}
		for name, data := range assets.Images {
			pkg.Images[name] = data
		}
		pkg.CoverImage = assets.CoverImage
	}

	cssHrefs := []string{"../Styles/style.css"}
	for _, name := range sortedKeys(pkg.CSSFiles) {
		cssHrefs = append(cssHrefs, "../Styles/"+name)
	}

	for _, chapter := range sorted {
		if len(chapter.Units) == 0 {
			return nil, &IncompleteChapterError{Index: chapter.Index, Title: chapter.Title}
		}
		doc, err := syncdoc.Build(chapter, syncdoc.Options{
			CSSHrefs:  cssHrefs,
			AudioHref: "../Audio/" + chapter.AudioFile,
			Language:  meta.Language,
		})
		if err != nil {
			return nil, fmt.Errorf("chapter %d: %w", chapter.Index, err)
		}
		pkg.Entries = append(pkg.Entries, Entry{Chapter: chapter, Document: doc})
		pkg.TotalDurationMS += chapter.DurationMS
	}
	return pkg, nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
