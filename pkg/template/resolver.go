package template

import (
	"fmt"
	htmltpl "html/template"
	"strings"
	"time"

	"bookflow/pkg/domain"
)

const bookDocument = `<!DOCTYPE html>
<html lang="{{.Language}}">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
{{.CSS}}
</style>
</head>
<body>
<header class="book-header">
<h1 class="book-title">{{.Title}}</h1>
{{if .Author}}<p class="book-author">{{.Author}}</p>{{end}}
</header>
<main class="book-content">
{{range $i, $ch := .Chapters}}<section class="chapter" id="chapter-{{inc $i}}">
{{if $ch.Title}}<h1 class="chapter-title">{{$ch.Title}}</h1>
{{end}}{{if $.Ornaments}}<div class="chapter-ornament"></div>
{{end}}{{range $ch.Blocks}}{{renderBlock $.Features .}}{{end}}</section>
{{end}}</main>
<footer class="book-footer">
<p class="generated-date">Generated {{.Date}}</p>
</footer>
</body>
</html>`

var bookTemplate = htmltpl.Must(htmltpl.New("book").Funcs(htmltpl.FuncMap{
	"inc":         func(i int) int { return i + 1 },
	"renderBlock": renderBlock,
}).Parse(bookDocument))

// Resolver merges normalized book structure with a template configuration
// into one self-contained HTML document. Resolution is pure and never fails
// on a sparse config; empty axes fall back to per-axis defaults.
type Resolver struct{}

// NewResolver constructs the template resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve implements the resolution stage of apply_template.
func (r *Resolver) Resolve(content domain.BookContent, tpl domain.Template) (string, error) {
	cfg := mergeConfig(tpl.Config)
	language := content.Metadata.DetectedLanguage
	if language == "" {
		language = "en"
	}
	title := strings.TrimSpace(content.Title)
	if title == "" {
		title = "Untitled Book"
	}
	data := struct {
		Title     string
		Author    string
		Language  string
		Chapters  []domain.Chapter
		CSS       htmltpl.CSS
		Features  domain.FeatureFlags
		Ornaments bool
		Date      string
	}{
		Title:     title,
		Author:    content.Author,
		Language:  language,
		Chapters:  content.Chapters,
		CSS:       htmltpl.CSS(buildCSS(cfg)),
		Features:  cfg.Features,
		Ornaments: cfg.Features.Ornaments,
		Date:      time.Now().UTC().Format("2006-01-02"),
	}
	var b strings.Builder
	if err := bookTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("resolve template %s: %w", tpl.Key, err)
	}
	return b.String(), nil
}

// renderBlock emits the markup for one content block. Feature-gated block
// types degrade to plain equivalents when the template does not carry the
// feature.
func renderBlock(features domain.FeatureFlags, b domain.Block) htmltpl.HTML {
	esc := htmltpl.HTMLEscapeString
	var out strings.Builder
	switch b.Type {
	case domain.BlockHeading:
		level := b.Level
		if level < 2 || level > 6 {
			level = 2
		}
		fmt.Fprintf(&out, "<h%d class=\"section-title\">%s</h%d>\n", level, esc(b.Text), level)
	case domain.BlockQuote:
		fmt.Fprintf(&out, "<blockquote class=\"quote\">%s", esc(b.Text))
		if b.Attribution != "" {
			fmt.Fprintf(&out, "<footer class=\"quote-attribution\">— %s</footer>", esc(b.Attribution))
		}
		out.WriteString("</blockquote>\n")
	case domain.BlockList:
		tag, class := "ul", "list-unordered"
		if b.Ordered {
			tag, class = "ol", "list-ordered"
		}
		fmt.Fprintf(&out, "<%s class=\"%s\">\n", tag, class)
		for _, item := range b.Items {
			fmt.Fprintf(&out, "<li>%s</li>\n", esc(item))
		}
		fmt.Fprintf(&out, "</%s>\n", tag)
	case domain.BlockFootnote:
		if features.Footnotes {
			fmt.Fprintf(&out, "<aside class=\"footnote\" id=\"fn-%s\"><span class=\"footnote-ref\">%s</span>%s</aside>\n",
				esc(b.RefID), esc(b.RefID), esc(b.Text))
		} else {
			fmt.Fprintf(&out, "<p class=\"paragraph\">%s</p>\n", esc(b.Text))
		}
	case domain.BlockSceneBreak:
		out.WriteString("<div class=\"scene-break\"></div>\n")
	case domain.BlockPullQuote:
		if features.PullQuotes {
			fmt.Fprintf(&out, "<div class=\"pull-quote\">%s</div>\n", esc(b.Text))
		} else {
			fmt.Fprintf(&out, "<blockquote class=\"quote\">%s</blockquote>\n", esc(b.Text))
		}
	case domain.BlockInsightBox:
		if features.InsightBoxes {
			out.WriteString("<div class=\"insight-box\">")
			if b.Title != "" {
				fmt.Fprintf(&out, "<div class=\"insight-box-title\">%s</div>", esc(b.Title))
			}
			fmt.Fprintf(&out, "<p>%s</p></div>\n", esc(b.Text))
		} else {
			fmt.Fprintf(&out, "<p class=\"paragraph\">%s</p>\n", esc(b.Text))
		}
	case domain.BlockImage:
		// Image sources are not carried through normalization yet; keep the
		// caption so no content is dropped.
		if b.Text != "" {
			fmt.Fprintf(&out, "<p class=\"paragraph\">%s</p>\n", esc(b.Text))
		}
	default:
		fmt.Fprintf(&out, "<p class=\"paragraph\">%s</p>\n", esc(b.Text))
	}
	return htmltpl.HTML(out.String())
}
