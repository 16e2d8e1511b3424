package services

import (
	"errors"
	"testing"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(ErrExternalTool, "transcribe", "run backend", "backend exited", base)
	if !errors.Is(err, ErrExternalTool) {
		t.Fatalf("expected ErrExternalTool marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped base error, got %v", err)
	}
}

func TestWrapNilMarkerDefaultsTransient(t *testing.T) {
	err := Wrap(nil, "stage", "op", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient default, got %v", err)
	}
}

func TestDetailsStripsSentinel(t *testing.T) {
	err := Wrap(ErrValidation, "segment", "split", "empty text", nil)
	details := Details(err)
	if details.Message != "segment: split: empty text" {
		t.Fatalf("unexpected details: %q", details.Message)
	}
}

func TestChapterContextRoundTrip(t *testing.T) {
	ctx := WithChapter(t.Context(), 4)
	idx, ok := ChapterFromContext(ctx)
	if !ok || idx != 4 {
		t.Fatalf("expected chapter 4, got %d ok=%v", idx, ok)
	}
	if _, ok := ChapterFromContext(t.Context()); ok {
		t.Fatal("expected absent chapter on fresh context")
	}
}
