package pipeline

import (
	"context"
	"time"

	"bookflow/pkg/domain"
)

// ExtractInput is the original manuscript handed to the extractor.
type ExtractInput struct {
	ProjectID string
	Filename  string
	Data      []byte
}

// ExtractResult is the parsed structure the extractor produces. RawText and
// RawHTML preserve the source ordering; Content carries the coarse chapter
// segmentation used before normalization.
type ExtractResult struct {
	RawText   string
	RawHTML   string
	Content   domain.BookContent
	PageCount int
}

// Extractor turns an uploaded PDF into raw text and a coarse structure.
type Extractor interface {
	Extract(ctx context.Context, in ExtractInput) (ExtractResult, error)
}

// NormalizeInput is the extracted structure handed to the normalizer.
type NormalizeInput struct {
	ProjectID string
	Title     string
	RawText   string
	RawHTML   string
	Content   domain.BookContent
}

// NormalizeResult is the semantically structured book the normalizer
// produces, plus the counts recorded on the structure row.
type NormalizeResult struct {
	Content        domain.BookContent
	NormalizedHTML string
	WordCount      int
	ChapterCount   int
	ImageCount     int
}

// Normalizer reworks the raw extraction into clean semantic structure. The
// context carries the stage's time budget; implementations must honor it.
type Normalizer interface {
	Normalize(ctx context.Context, in NormalizeInput) (NormalizeResult, error)
}

// RenderMode selects the rendition artifact being produced.
type RenderMode string

const (
	RenderPreview RenderMode = "preview"
	RenderFinal   RenderMode = "final"
)

// RenderInput is the fully resolved document handed to the renderer.
type RenderInput struct {
	ProjectID string
	Title     string
	HTML      string
	Mode      RenderMode
}

// RenderResult is the produced artifact and its recorded dimensions.
type RenderResult struct {
	Data        []byte
	ContentType string
	PageCount   int
	Duration    time.Duration
}

// Renderer produces a preview or final artifact from resolved HTML.
type Renderer interface {
	Render(ctx context.Context, in RenderInput) (RenderResult, error)
}

// TemplateResolver merges book structure with a template configuration into
// a single self-contained HTML document. Resolution is pure: sparse configs
// fall back to per-axis defaults rather than failing.
type TemplateResolver interface {
	Resolve(content domain.BookContent, tpl domain.Template) (string, error)
}
