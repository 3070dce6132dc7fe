package template

import (
	"fmt"
	"strings"

	"bookflow/pkg/domain"
)

// Per-axis defaults used when a template config leaves an axis empty.
// Resolution never fails on a sparse config.
var defaultConfig = domain.TemplateConfig{
	Fonts:  domain.FontConfig{Heading: "Georgia", Body: "Georgia"},
	Colors: domain.ColorConfig{Text: "#1a1a1a", Heading: "#000000", Accent: "#666666", Background: "#ffffff"},
	Sizes:  domain.SizeConfig{H1: "24pt", H2: "18pt", H3: "14pt", Body: "11pt"},
	Margins: domain.MarginConfig{
		Top: "3cm", Bottom: "3cm", Inner: "2.5cm", Outer: "2.5cm",
	},
	LineHeight:       1.7,
	ParagraphSpacing: "1.2em",
}

// mergeConfig fills empty axes of cfg from the defaults.
func mergeConfig(cfg domain.TemplateConfig) domain.TemplateConfig {
	out := cfg
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&out.Fonts.Heading, defaultConfig.Fonts.Heading)
	fill(&out.Fonts.Body, defaultConfig.Fonts.Body)
	fill(&out.Colors.Text, defaultConfig.Colors.Text)
	fill(&out.Colors.Heading, defaultConfig.Colors.Heading)
	fill(&out.Colors.Accent, defaultConfig.Colors.Accent)
	fill(&out.Colors.Background, defaultConfig.Colors.Background)
	fill(&out.Sizes.H1, defaultConfig.Sizes.H1)
	fill(&out.Sizes.H2, defaultConfig.Sizes.H2)
	fill(&out.Sizes.H3, defaultConfig.Sizes.H3)
	fill(&out.Sizes.Body, defaultConfig.Sizes.Body)
	fill(&out.Margins.Top, defaultConfig.Margins.Top)
	fill(&out.Margins.Bottom, defaultConfig.Margins.Bottom)
	fill(&out.Margins.Inner, defaultConfig.Margins.Inner)
	fill(&out.Margins.Outer, defaultConfig.Margins.Outer)
	if out.LineHeight <= 0 {
		out.LineHeight = defaultConfig.LineHeight
	}
	fill(&out.ParagraphSpacing, defaultConfig.ParagraphSpacing)
	if out.Features.ChapterBreak == "" {
		out.Features.ChapterBreak = "page"
	}
	if out.Features.HeaderFooter == "" {
		out.Features.HeaderFooter = "minimal"
	}
	return out
}

// buildCSS produces the full stylesheet for a resolved template: CSS
// variables from the merged config, pagination rules from the feature
// flags, and the shared book layout.
func buildCSS(cfg domain.TemplateConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, `:root {
  --color-text: %s;
  --color-heading: %s;
  --color-accent: %s;
  --color-bg: %s;
  --font-heading: '%s', serif;
  --font-body: '%s', serif;
  --size-h1: %s;
  --size-h2: %s;
  --size-h3: %s;
  --size-body: %s;
  --line-height: %.2f;
  --paragraph-spacing: %s;
}
`, cfg.Colors.Text, cfg.Colors.Heading, cfg.Colors.Accent, cfg.Colors.Background,
		cfg.Fonts.Heading, cfg.Fonts.Body,
		cfg.Sizes.H1, cfg.Sizes.H2, cfg.Sizes.H3, cfg.Sizes.Body,
		cfg.LineHeight, cfg.ParagraphSpacing)

	fmt.Fprintf(&b, `
@page {
  size: A5;
  margin: %s %s %s %s;
`, cfg.Margins.Top, cfg.Margins.Outer, cfg.Margins.Bottom, cfg.Margins.Inner)
	switch cfg.Features.HeaderFooter {
	case "none":
	case "classic":
		b.WriteString(`  @bottom-center {
    content: counter(page);
    font-family: var(--font-heading);
    font-size: 9pt;
    color: var(--color-accent);
  }
  @top-center {
    content: string(book-title);
    font-family: var(--font-heading);
    font-size: 8pt;
    color: var(--color-accent);
    letter-spacing: 0.1em;
  }
`)
	default: // minimal
		b.WriteString(`  @bottom-center {
    content: counter(page);
    font-family: var(--font-body);
    font-size: 10pt;
    color: var(--color-accent);
  }
`)
	}
	b.WriteString("}\n@page :first {\n  @bottom-center { content: none; }\n  @top-center { content: none; }\n}\n")

	b.WriteString(`
body {
  font-family: var(--font-body);
  font-size: var(--size-body);
  line-height: var(--line-height);
  color: var(--color-text);
  background: var(--color-bg);
}
.book-title {
  font-family: var(--font-heading);
  font-size: 32pt;
  color: var(--color-heading);
  text-align: center;
  margin-bottom: 0.5em;
  string-set: book-title content();
}
.book-author {
  font-size: 14pt;
  text-align: center;
  color: var(--color-accent);
  margin-bottom: 3em;
}
.chapter-title {
  font-family: var(--font-heading);
  font-size: var(--size-h1);
  color: var(--color-heading);
  margin-bottom: 1.5em;
  padding-top: 2.5em;
}
h2.section-title { font-family: var(--font-heading); font-size: var(--size-h2); margin-top: 2em; }
h3.section-title { font-family: var(--font-heading); font-size: var(--size-h3); margin-top: 1.5em; }
p.paragraph {
  margin-bottom: var(--paragraph-spacing);
  text-align: justify;
}
blockquote.quote {
  margin: 2em 0;
  padding-left: 1.5em;
  border-left: 2px solid var(--color-accent);
  font-style: italic;
  color: var(--color-accent);
}
.quote-attribution { margin-top: 0.5em; font-style: normal; font-size: 0.9em; }
ul.list-unordered, ol.list-ordered { margin: 1.5em 0; padding-left: 1.5em; }
li { margin-bottom: 0.5em; }
.footnote {
  font-size: 0.85em;
  color: var(--color-accent);
  margin: 1em 0;
  padding-top: 0.5em;
  border-top: 1px solid var(--color-accent);
}
.footnote-ref { vertical-align: super; font-size: 0.75em; margin-right: 0.4em; }
.scene-break {
  text-align: center;
  margin: 2.5em 0;
}
.scene-break::after { content: "* * *"; color: var(--color-accent); letter-spacing: 0.5em; }
.pull-quote {
  font-family: var(--font-heading);
  font-size: 1.4em;
  color: var(--color-accent);
  text-align: center;
  margin: 2em 1em;
}
.insight-box {
  border: 1px solid var(--color-accent);
  border-radius: 4px;
  padding: 1em 1.2em;
  margin: 1.5em 0;
  page-break-inside: avoid;
}
.insight-box-title {
  font-family: var(--font-heading);
  font-weight: 600;
  color: var(--color-accent);
  margin-bottom: 0.5em;
}
.generated-date {
  font-size: 8pt;
  color: var(--color-accent);
  text-align: center;
  margin-top: 3em;
}
`)

	switch cfg.Features.ChapterBreak {
	case "none":
	case "spread":
		b.WriteString(".chapter { page-break-before: right; }\n.chapter:first-of-type { page-break-before: avoid; }\n")
	default: // page
		b.WriteString(".chapter { page-break-before: always; }\n.chapter:first-of-type { page-break-before: avoid; }\n")
	}
	if cfg.Features.DropCaps {
		b.WriteString(`.chapter > p.paragraph:first-of-type::first-letter {
  font-family: var(--font-heading);
  font-size: 3.2em;
  float: left;
  line-height: 0.85;
  margin-right: 0.08em;
  color: var(--color-accent);
}
`)
	}
	if cfg.Features.Ornaments {
		b.WriteString(`.chapter-ornament { text-align: center; margin: 1.5em 0 2.5em; }
.chapter-ornament::after { content: "\2766"; font-size: 1.4em; color: var(--color-accent); }
`)
	}
	if cfg.Features.SectionNumbering {
		b.WriteString(`.book-content { counter-reset: chapter; }
.chapter { counter-increment: chapter; counter-reset: section; }
.chapter-title::before { content: counter(chapter) ". "; }
h2.section-title { counter-increment: section; }
h2.section-title::before { content: counter(chapter) "." counter(section) " "; }
`)
	}
	return b.String()
}
