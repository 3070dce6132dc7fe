package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bookflow/pkg/domain"
	"bookflow/pkg/pipeline"
)

func TestExtractRejectsUnreadableFile(t *testing.T) {
	e := New()
	_, err := e.Extract(context.Background(), pipeline.ExtractInput{
		ProjectID: "p1",
		Filename:  "book.pdf",
		Data:      []byte("this is not a pdf at all"),
	})
	if err == nil {
		t.Fatalf("expected error for garbage input")
	}
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T: %v", err, err)
	}
	if stageErr.Kind != pipeline.FailUnreadableFile {
		t.Fatalf("expected kind %s, got %s", pipeline.FailUnreadableFile, stageErr.Kind)
	}
}

func TestClassify(t *testing.T) {
	base := 12.0
	cases := []struct {
		name string
		in   line
		want string
	}{
		{"page number", line{text: "42", fontSize: 12}, "footer"},
		{"page of total", line{text: "12 of 300", fontSize: 12}, "footer"},
		{"large heading", line{text: "The Long Road Home", fontSize: 18}, "heading"},
		{"bold heading", line{text: "A Short Section", fontName: "Times-Bold", fontSize: 12}, "heading"},
		{"chapter pattern", line{text: "CHAPTER VII: The Storm", fontSize: 12}, "heading"},
		{"quote", line{text: "“Nothing is certain,” she said.", fontSize: 12}, "quote"},
		{"bullet item", line{text: "- first point", fontSize: 12}, "list_item"},
		{"numbered item", line{text: "2. second point", fontSize: 12}, "list_item"},
		{"body text", line{text: "It was a quiet morning in the valley.", fontSize: 12}, "paragraph"},
	}
	for _, tc := range cases {
		if got := classify(tc.in, base); got != tc.want {
			t.Errorf("%s: classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestMergeParagraphsJoinsAdjacentRows(t *testing.T) {
	lines := []line{
		{text: "First sentence of the paragraph", kind: "paragraph", page: 1, y: 700},
		{text: "continues on the next row.", kind: "paragraph", page: 1, y: 686},
		{text: "A new paragraph after a wide gap.", kind: "paragraph", page: 1, y: 600},
		{text: "Another page starts fresh.", kind: "paragraph", page: 2, y: 700},
		{text: "17", kind: "footer", page: 2, y: 40},
	}
	out := mergeParagraphs(lines, 12)
	if len(out) != 3 {
		t.Fatalf("expected 3 blocks, got %d: %+v", len(out), out)
	}
	if want := "First sentence of the paragraph continues on the next row."; out[0].text != want {
		t.Fatalf("merged text = %q, want %q", out[0].text, want)
	}
}

func TestOrganizeChaptersSplitsOnMajorHeadings(t *testing.T) {
	base := 12.0
	blocks := []line{
		{text: "Prologue text before any chapter.", kind: "paragraph", fontSize: 12, page: 1},
		{text: "Chapter 1: Beginnings", kind: "heading", fontSize: 24, page: 2},
		{text: "The story opens here.", kind: "paragraph", fontSize: 12, page: 2},
		{text: "A Minor Section", kind: "heading", fontSize: 14, page: 3},
		{text: "Chapter 2: Endings", kind: "heading", fontSize: 24, page: 9},
		{text: "And closes here.", kind: "paragraph", fontSize: 12, page: 9},
	}
	content := organizeChapters(blocks, base)
	if len(content.Chapters) != 3 {
		t.Fatalf("expected 3 chapters, got %d", len(content.Chapters))
	}
	if content.Chapters[0].Title != "Front Matter" {
		t.Fatalf("first chapter = %q", content.Chapters[0].Title)
	}
	if content.Chapters[1].Title != "Chapter 1: Beginnings" || content.Chapters[1].PageStart != 2 {
		t.Fatalf("second chapter = %+v", content.Chapters[1])
	}
	// the minor section stays inside chapter 1 as a heading block
	found := false
	for _, b := range content.Chapters[1].Blocks {
		if b.Type == domain.BlockHeading && b.Text == "A Minor Section" {
			found = true
		}
	}
	if !found {
		t.Fatalf("minor heading not kept inside its chapter: %+v", content.Chapters[1].Blocks)
	}
}

func TestRenderRawHTMLEscapesAndStructures(t *testing.T) {
	content := domain.BookContent{
		Title: "Ties & Knots",
		Chapters: []domain.Chapter{
			{
				Title: "Chapter 1", Level: 1, PageStart: 1,
				Blocks: []domain.Block{
					{Type: domain.BlockParagraph, Text: "a < b"},
					{Type: domain.BlockList, Text: "first"},
					{Type: domain.BlockList, Text: "second"},
					{Type: domain.BlockQuote, Text: "so it goes"},
				},
			},
		},
	}
	html := renderRawHTML(content)
	for _, want := range []string{
		"<title>Ties &amp; Knots</title>",
		"<p>a &lt; b</p>",
		"<ul>\n<li>first</li>\n<li>second</li>\n</ul>",
		"<blockquote>so it goes</blockquote>",
		`<section class="chapter" data-page="1">`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q\n%s", want, html)
		}
	}
}
