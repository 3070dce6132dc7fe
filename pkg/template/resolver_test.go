package template

import (
	"strings"
	"testing"

	"bookflow/pkg/domain"
)

func sampleContent() domain.BookContent {
	return domain.BookContent{
		Title:  "Ties & Knots",
		Author: "A. Writer",
		Chapters: []domain.Chapter{
			{
				Title: "Chapter One",
				Level: 1,
				Blocks: []domain.Block{
					{Type: domain.BlockParagraph, Text: "It begins with a < sign."},
					{Type: domain.BlockHeading, Level: 2, Text: "A Section"},
					{Type: domain.BlockQuote, Text: "So it goes.", Attribution: "V."},
					{Type: domain.BlockList, Ordered: true, Items: []string{"one", "two"}},
					{Type: domain.BlockFootnote, RefID: "1", Text: "a note"},
					{Type: domain.BlockPullQuote, Text: "Hold fast."},
					{Type: domain.BlockInsightBox, Title: "Key Idea", Text: "Measure twice."},
					{Type: domain.BlockSceneBreak},
				},
			},
		},
	}
}

func templateByKey(t *testing.T, key string) domain.Template {
	t.Helper()
	for _, tpl := range Catalog() {
		if tpl.Key == key {
			return tpl
		}
	}
	t.Fatalf("template %s not in catalog", key)
	return domain.Template{}
}

func TestCatalogHasSixActiveTemplates(t *testing.T) {
	templates := Catalog()
	if len(templates) != 6 {
		t.Fatalf("catalog size = %d", len(templates))
	}
	seen := map[string]bool{}
	for _, tpl := range templates {
		if !tpl.IsActive {
			t.Errorf("template %s inactive", tpl.Key)
		}
		if seen[tpl.Key] {
			t.Errorf("duplicate key %s", tpl.Key)
		}
		seen[tpl.Key] = true
	}
	for _, key := range []string{"minimalist", "classic", "editorial", "academic", "fantasy", "business"} {
		if !seen[key] {
			t.Errorf("missing template %s", key)
		}
	}
}

func TestResolveProducesCompleteDocument(t *testing.T) {
	r := NewResolver()
	html, err := r.Resolve(sampleContent(), templateByKey(t, "business"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, want := range []string{
		"<!DOCTYPE html>",
		"</html>",
		"Ties &amp; Knots",
		"a &lt; sign",
		`<h2 class="section-title">A Section</h2>`,
		`<footer class="quote-attribution">— V.</footer>`,
		`<ol class="list-ordered">`,
		`<div class="pull-quote">Hold fast.</div>`,
		`<div class="insight-box-title">Key Idea</div>`,
		`<div class="scene-break"></div>`,
		"--font-heading: 'IBM Plex Sans'",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("document missing %q", want)
		}
	}
}

func TestFeatureGatedBlocksDegrade(t *testing.T) {
	r := NewResolver()
	// minimalist carries no pull-quote/insight-box/footnote features
	html, err := r.Resolve(sampleContent(), templateByKey(t, "minimalist"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if strings.Contains(html, `class="pull-quote"`) {
		t.Errorf("pull quote rendered without the feature flag")
	}
	if strings.Contains(html, `class="insight-box"`) {
		t.Errorf("insight box rendered without the feature flag")
	}
	if strings.Contains(html, `class="footnote"`) {
		t.Errorf("footnote aside rendered without the feature flag")
	}
	if !strings.Contains(html, "Measure twice.") || !strings.Contains(html, "a note") {
		t.Errorf("gated block text dropped instead of degraded")
	}
}

func TestResolveSparseConfigUsesDefaults(t *testing.T) {
	r := NewResolver()
	sparse := domain.Template{ID: "tpl_x", Key: "custom", Name: "Custom", IsActive: true}
	html, err := r.Resolve(domain.BookContent{
		Chapters: []domain.Chapter{{Blocks: []domain.Block{{Type: domain.BlockParagraph, Text: "hello"}}}},
	}, sparse)
	if err != nil {
		t.Fatalf("resolve sparse: %v", err)
	}
	for _, want := range []string{
		"--font-body: 'Georgia'",
		"--size-body: 11pt",
		"<title>Untitled Book</title>",
		"page-break-before: always",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("sparse resolution missing %q", want)
		}
	}
}

func TestSectionNumberingOnlyForAcademic(t *testing.T) {
	r := NewResolver()
	academic, err := r.Resolve(sampleContent(), templateByKey(t, "academic"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(academic, "counter(chapter)") {
		t.Errorf("academic missing section numbering rules")
	}
	minimal, err := r.Resolve(sampleContent(), templateByKey(t, "minimalist"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if strings.Contains(minimal, "counter(chapter)") {
		t.Errorf("minimalist unexpectedly numbered")
	}
}
