package services

import "context"

type contextKey string

const (
	chapterKey contextKey = "chapter"
	stageKey   contextKey = "stage"
)

// WithChapter annotates context with the chapter index being processed.
func WithChapter(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, chapterKey, index)
}

// ChapterFromContext extracts the chapter index if present.
func ChapterFromContext(ctx context.Context) (int, bool) {
	v := ctx.Value(chapterKey)
	if v == nil {
		return 0, false
	}
	idx, ok := v.(int)
	return idx, ok
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}
