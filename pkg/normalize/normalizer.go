package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"bookflow/internal/util"
	"bookflow/pkg/ai"
	"bookflow/pkg/domain"
	"bookflow/pkg/pipeline"
)

const (
	maxStructureChars = 50000
	maxRawHTMLChars   = 100000
	maxSummaryChars   = 500
)

const systemPromptStructure = `You are an expert in semantic structuring of books. You receive content extracted from a book PDF and produce a clean, well-structured, semantically correct version.

RULES:
1. NEVER invent, add, or alter the textual content.
2. Only reorganize, fix extraction artifacts, and apply semantic structure.
3. Keep 100% fidelity to the original text.
4. Fix only clear extraction problems: hyphenated words split across lines, wrongly broken paragraphs, page numbers mixed into the text, repeated headers/footers, corrupted characters.

Return ONLY a valid JSON object with this exact shape:
{
  "title": "Book Title",
  "author": "Author (if detected)",
  "chapters": [
    {
      "title": "Chapter Title",
      "level": 1,
      "content": [
        {"type": "paragraph", "text": "..."},
        {"type": "heading", "level": 2, "text": "..."},
        {"type": "quote", "text": "...", "attribution": "optional"},
        {"type": "list", "ordered": false, "items": ["...", "..."]},
        {"type": "footnote", "id": "1", "text": "..."}
      ]
    }
  ],
  "metadata": {
    "word_count": 12345,
    "chapter_count": 10,
    "has_footnotes": true,
    "detected_language": "en"
  }
}

Respond with the JSON only, no surrounding text. Preserve the original content order.`

const systemPromptHTML = `You are an expert in semantic HTML for books. Convert the given book structure JSON into clean, well-formed semantic HTML5.

Use these CSS classes: .book-title, .book-author, .chapter, .chapter-title, .section-title, .paragraph, .quote, .quote-attribution, .footnote, .footnote-ref, .list-ordered, .list-unordered.

Return ONLY the HTML, starting with <!DOCTYPE html> and ending with </html>. No explanations.`

// Ledger receives one entry per normalization call, success or failure.
type Ledger interface {
	AppendInteraction(domain.InteractionLog) error
}

// Normalizer reworks a raw extraction into clean semantic structure through
// a text-generation model. Two calls per run: one producing the structure
// JSON, one producing the semantic HTML.
type Normalizer struct {
	gen    ai.TextGenerator
	ledger Ledger
	log    *slog.Logger
}

// New constructs the AI normalizer.
func New(gen ai.TextGenerator, ledger Ledger, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{gen: gen, ledger: ledger, log: logger}
}

// Normalize implements the normalization stage. Exactly one ledger entry is
// appended per call regardless of outcome.
func (n *Normalizer) Normalize(ctx context.Context, in pipeline.NormalizeInput) (pipeline.NormalizeResult, error) {
	start := time.Now()

	result, inTok, outTok, err := n.run(ctx, in)
	duration := time.Since(start)

	entry := domain.InteractionLog{
		ID:           util.NewID(),
		ProjectID:    &in.ProjectID,
		Step:         "normalize",
		InputTokens:  inTok,
		OutputTokens: outTok,
		DurationMS:   duration.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if err != nil {
		entry.Success = false
		entry.ErrorMessage = err.Error()
		entry.RequestSummary = "normalization failed"
	} else {
		entry.Success = true
		entry.RequestSummary = fmt.Sprintf("normalized book: %d chapters, %d words", result.ChapterCount, result.WordCount)
	}
	entry.RequestSummary = truncate(entry.RequestSummary, maxSummaryChars)
	if n.ledger != nil {
		if lerr := n.ledger.AppendInteraction(entry); lerr != nil {
			n.log.Error("append interaction", "project_id", in.ProjectID, "error", lerr)
		}
	}
	if err != nil {
		return pipeline.NormalizeResult{}, err
	}
	return result, nil
}

func (n *Normalizer) run(ctx context.Context, in pipeline.NormalizeInput) (pipeline.NormalizeResult, int, int, error) {
	inputContent := buildInput(in)

	structGen, err := n.gen.GenerateText(ctx, systemPromptStructure,
		"Normalize the following book content extracted from a PDF:\n\n"+inputContent)
	if err != nil {
		return pipeline.NormalizeResult{}, 0, 0, classifyCallErr(ctx, err)
	}
	inTok, outTok := structGen.InputTokens, structGen.OutputTokens

	var content domain.BookContent
	if err := json.Unmarshal([]byte(stripFence(structGen.Text)), &content); err != nil {
		return pipeline.NormalizeResult{}, inTok, outTok,
			pipeline.NewStageError("normalize", pipeline.FailMalformedOutput, fmt.Errorf("invalid structure JSON: %w", err))
	}
	if len(content.Chapters) == 0 {
		return pipeline.NormalizeResult{}, inTok, outTok,
			pipeline.NewStageError("normalize", pipeline.FailMalformedOutput, errors.New("structure has no chapters"))
	}

	structJSON, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return pipeline.NormalizeResult{}, inTok, outTok,
			pipeline.NewStageError("normalize", pipeline.FailMalformedOutput, err)
	}
	htmlGen, err := n.gen.GenerateText(ctx, systemPromptHTML,
		"Convert this book structure JSON into semantic HTML:\n\n```json\n"+string(structJSON)+"\n```")
	if err != nil {
		return pipeline.NormalizeResult{}, inTok, outTok, classifyCallErr(ctx, err)
	}
	inTok += htmlGen.InputTokens
	outTok += htmlGen.OutputTokens

	normalizedHTML := stripFence(htmlGen.Text)
	if err := checkHTML(normalizedHTML); err != nil {
		return pipeline.NormalizeResult{}, inTok, outTok,
			pipeline.NewStageError("normalize", pipeline.FailMalformedOutput, err)
	}

	wordCount, chapterCount, imageCount := countContent(content)
	content.Metadata.WordCount = wordCount
	content.Metadata.ChapterCount = chapterCount
	content.Metadata.ImageCount = imageCount

	return pipeline.NormalizeResult{
		Content:        content,
		NormalizedHTML: normalizedHTML,
		WordCount:      wordCount,
		ChapterCount:   chapterCount,
		ImageCount:     imageCount,
	}, inTok, outTok, nil
}

func classifyCallErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pipeline.NewStageError("normalize", pipeline.FailTimeBudget, err)
	}
	return pipeline.NewStageError("normalize", pipeline.FailUpstream, err)
}

func buildInput(in pipeline.NormalizeInput) string {
	var b strings.Builder
	if len(in.Content.Chapters) > 0 {
		if data, err := json.MarshalIndent(in.Content, "", "  "); err == nil {
			b.WriteString("## EXTRACTED STRUCTURE JSON:\n```json\n")
			b.WriteString(truncate(string(data), maxStructureChars))
			b.WriteString("\n```\n")
		}
	}
	b.WriteString("\n## RAW EXTRACTED HTML:\n```html\n")
	b.WriteString(truncate(in.RawHTML, maxRawHTMLChars))
	b.WriteString("\n```")
	return b.String()
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// stripFence removes a surrounding markdown code fence when the model wraps
// its answer in one.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```html", "```"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func checkHTML(s string) error {
	if s == "" {
		return errors.New("empty HTML output")
	}
	if !strings.Contains(strings.ToLower(s), "<html") {
		return errors.New("output is not an HTML document")
	}
	if _, err := html.Parse(strings.NewReader(s)); err != nil {
		return fmt.Errorf("unparsable HTML output: %w", err)
	}
	return nil
}

func countContent(content domain.BookContent) (words, chapters, images int) {
	chapters = len(content.Chapters)
	for _, ch := range content.Chapters {
		words += len(strings.Fields(ch.Title))
		for _, b := range ch.Blocks {
			if b.Type == domain.BlockImage {
				images++
			}
			words += len(strings.Fields(b.Text))
			for _, item := range b.Items {
				words += len(strings.Fields(item))
			}
		}
	}
	return words, chapters, images
}
