package normalize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"bookflow/pkg/ai"
	"bookflow/pkg/domain"
	"bookflow/pkg/pipeline"
)

type scriptedGenerator struct {
	responses []ai.Generation
	errs      []error
	calls     int
}

func (g *scriptedGenerator) GenerateText(ctx context.Context, system, user string) (ai.Generation, error) {
	if err := ctx.Err(); err != nil {
		return ai.Generation{}, err
	}
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return ai.Generation{}, g.errs[i]
	}
	if i >= len(g.responses) {
		return ai.Generation{}, errors.New("no scripted response")
	}
	return g.responses[i], nil
}

type memLedger struct {
	entries []domain.InteractionLog
}

func (l *memLedger) AppendInteraction(e domain.InteractionLog) error {
	l.entries = append(l.entries, e)
	return nil
}

const structureJSON = "```json\n" + `{
  "title": "The Quiet Valley",
  "author": "A. Writer",
  "chapters": [
    {
      "title": "Chapter 1",
      "level": 1,
      "content": [
        {"type": "paragraph", "text": "It was a quiet morning."},
        {"type": "quote", "text": "So it goes.", "attribution": "V."},
        {"type": "list", "ordered": false, "items": ["one", "two"]}
      ]
    }
  ],
  "metadata": {"word_count": 0, "chapter_count": 1, "has_footnotes": false, "detected_language": "en"}
}` + "\n```"

const normalizedHTML = "```html\n<!DOCTYPE html>\n<html><head><title>The Quiet Valley</title></head>" +
	"<body><h1 class=\"book-title\">The Quiet Valley</h1><p class=\"paragraph\">It was a quiet morning.</p></body></html>\n```"

func testInput() pipeline.NormalizeInput {
	return pipeline.NormalizeInput{
		ProjectID: "p1",
		RawText:   "It was a quiet morning.",
		RawHTML:   "<html><body><p>It was a quiet morning.</p></body></html>",
	}
}

func TestNormalizeSuccess(t *testing.T) {
	gen := &scriptedGenerator{responses: []ai.Generation{
		{Text: structureJSON, InputTokens: 100, OutputTokens: 40},
		{Text: normalizedHTML, InputTokens: 60, OutputTokens: 30},
	}}
	ledger := &memLedger{}
	n := New(gen, ledger, nil)

	result, err := n.Normalize(context.Background(), testInput())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if result.ChapterCount != 1 {
		t.Fatalf("chapter count = %d", result.ChapterCount)
	}
	// title + paragraph + quote + attribution + list items
	if result.WordCount == 0 {
		t.Fatalf("word count not computed")
	}
	if result.Content.Title != "The Quiet Valley" {
		t.Fatalf("title = %q", result.Content.Title)
	}
	if !containsHTML(result.NormalizedHTML) {
		t.Fatalf("normalized HTML not cleaned: %q", result.NormalizedHTML)
	}

	if len(ledger.entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(ledger.entries))
	}
	e := ledger.entries[0]
	if !e.Success {
		t.Fatalf("entry not marked success: %+v", e)
	}
	if e.InputTokens != 160 || e.OutputTokens != 70 {
		t.Fatalf("token sums = %d/%d", e.InputTokens, e.OutputTokens)
	}
	if e.ProjectID == nil || *e.ProjectID != "p1" {
		t.Fatalf("entry project = %v", e.ProjectID)
	}
	if e.Step != "normalize" {
		t.Fatalf("entry step = %q", e.Step)
	}
}

func containsHTML(s string) bool {
	return len(s) > 0 && s[0] == '<'
}

func TestNormalizeMalformedStructure(t *testing.T) {
	gen := &scriptedGenerator{responses: []ai.Generation{
		{Text: "sorry, I cannot do that", InputTokens: 10, OutputTokens: 5},
	}}
	ledger := &memLedger{}
	n := New(gen, ledger, nil)

	_, err := n.Normalize(context.Background(), testInput())
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Kind != pipeline.FailMalformedOutput {
		t.Fatalf("expected malformed-output failure, got %v", err)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Success {
		t.Fatalf("expected one failure entry, got %+v", ledger.entries)
	}
	if ledger.entries[0].ErrorMessage == "" {
		t.Fatalf("failure entry missing error message")
	}
}

func TestNormalizeUpstreamFault(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{errors.New("upstream 503")}}
	ledger := &memLedger{}
	n := New(gen, ledger, nil)

	_, err := n.Normalize(context.Background(), testInput())
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Kind != pipeline.FailUpstream {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if len(ledger.entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(ledger.entries))
	}
}

func TestNormalizeTimeBudget(t *testing.T) {
	gen := &scriptedGenerator{}
	ledger := &memLedger{}
	n := New(gen, ledger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := n.Normalize(ctx, testInput())
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Kind != pipeline.FailTimeBudget {
		t.Fatalf("expected time-budget failure, got %v", err)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	accented := strings.Repeat("é", 30) // 2 bytes per rune

	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{accented, 7, strings.Repeat("é", 3)},  // limit lands mid-rune
		{accented, 8, strings.Repeat("é", 4)},  // limit on a boundary
		{"日本語の本", 7, "日本"},                     // 3-byte runes
		{strings.Repeat("a", 600), 500, strings.Repeat("a", 500)},
	}
	for _, c := range cases {
		got := truncate(c.in, c.limit)
		if got != c.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", c.in, c.limit, got, c.want)
		}
		if len(got) > c.limit {
			t.Errorf("truncate(%q, %d) returned %d bytes", c.in, c.limit, len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) split a rune: %q", c.in, c.limit, got)
		}
	}
}

func TestStripFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\nplain\n```":         "plain",
		"no fence":                "no fence",
	}
	for in, want := range cases {
		if got := stripFence(in); got != want {
			t.Errorf("stripFence(%q) = %q, want %q", in, got, want)
		}
	}
}
