package extract

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"bookflow/pkg/domain"
	"bookflow/pkg/pipeline"
)

const (
	headingSizeMultiplier = 1.2
	paragraphGapFactor    = 1.6
)

var (
	chapterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(?:CAPÍTULO|CHAPTER|CAP\.?)\s*[IVXLCDM\d]+[:.\s]`),
		regexp.MustCompile(`(?i)^(?:PARTE|PART)\s*[IVXLCDM\d]+[:.\s]`),
		regexp.MustCompile(`^\d+\.\s+[A-ZÁÀÂÃÉÈÊÍÏÓÔÕÖÚÇ]`),
		regexp.MustCompile(`^[IVXLCDM]+\.\s+[A-ZÁÀÂÃÉÈÊÍÏÓÔÕÖÚÇ]`),
	}
	pageNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{1,4}$`),
		regexp.MustCompile(`(?i)^(página|page|pág\.?)\s*\d+`),
		regexp.MustCompile(`(?i)^\d+\s*(de|of|/)\s*\d+$`),
	}
	listItemPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*[•\-*◦▪]\s+`),
		regexp.MustCompile(`^\s*\d+[.)]\s+`),
		regexp.MustCompile(`^\s*[a-zA-Z][.)]\s+`),
	}
	listMarkerPrefix = regexp.MustCompile(`^\s*[•\-*◦▪\d]+[.)]*\s*`)
)

// line is one visual text row with its dominant font properties.
type line struct {
	text     string
	fontName string
	fontSize float64
	y        float64
	page     int
	kind     string // paragraph, heading, quote, list_item, footer
}

// Extractor parses uploaded PDFs into raw text and a coarse chapter
// structure. It never calls external services.
type Extractor struct{}

// New constructs the PDF extractor.
func New() *Extractor { return &Extractor{} }

// Extract implements the extraction stage. The whole document is held in
// memory; problem pages are skipped rather than failing the run.
func (e *Extractor) Extract(ctx context.Context, in pipeline.ExtractInput) (out pipeline.ExtractResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pipeline.NewStageError("extract", pipeline.FailExtraction, fmt.Errorf("pdf parser panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return pipeline.ExtractResult{}, pipeline.NewStageError("extract", pipeline.FailUnreadableFile, fmt.Errorf("open pdf: %w", err))
	}
	totalPages := reader.NumPage()

	var lines []line
	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return pipeline.ExtractResult{}, pipeline.NewStageError("extract", pipeline.FailExtraction, err)
		}
		lines = append(lines, pageLines(reader, i)...)
	}
	if !hasText(lines) {
		return pipeline.ExtractResult{}, pipeline.NewStageError("extract", pipeline.FailNoText,
			fmt.Errorf("no extractable text; the PDF may contain only scanned images"))
	}

	baseSize := baseFontSize(lines)
	for i := range lines {
		lines[i].kind = classify(lines[i], baseSize)
	}

	blocks := mergeParagraphs(lines, baseSize)
	content := organizeChapters(blocks, baseSize)
	content.Title = detectTitle(content, baseSize)

	return pipeline.ExtractResult{
		RawText:   rawText(lines),
		RawHTML:   renderRawHTML(content),
		Content:   content,
		PageCount: totalPages,
	}, nil
}

// pageLines extracts the visual text rows of one page, grouping positioned
// glyph runs by their baseline. Pages the library cannot decode are skipped.
func pageLines(reader *pdf.Reader, pageNum int) (out []line) {
	defer func() { recover() }()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return nil
	}
	content := page.Content()
	if len(content.Text) == 0 {
		return nil
	}

	type run struct {
		x    float64
		text string
		font string
		size float64
	}
	rows := map[float64][]run{}
	var keys []float64
	for _, t := range content.Text {
		if t.S == "" {
			continue
		}
		y := snap(t.Y)
		if _, ok := rows[y]; !ok {
			keys = append(keys, y)
		}
		rows[y] = append(rows[y], run{x: t.X, text: t.S, font: t.Font, size: t.FontSize})
	}
	// PDF y grows upward; read top-to-bottom.
	sort.Sort(sort.Reverse(sort.Float64Slice(keys)))

	for _, y := range keys {
		runs := rows[y]
		sort.Slice(runs, func(i, j int) bool { return runs[i].x < runs[j].x })
		var b strings.Builder
		sizes := map[float64]int{}
		fonts := map[string]int{}
		for _, r := range runs {
			b.WriteString(r.text)
			sizes[snap(r.size)] += len(r.text)
			fonts[r.font] += len(r.text)
		}
		text := normalizeLine(b.String())
		if text == "" {
			continue
		}
		out = append(out, line{
			text:     text,
			fontName: modeString(fonts),
			fontSize: modeFloat(sizes),
			y:        y,
			page:     pageNum,
		})
	}
	return out
}

func snap(v float64) float64 { return float64(int(v*2+0.5)) / 2 }

func normalizeLine(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}

func hasText(lines []line) bool {
	for _, l := range lines {
		if strings.TrimSpace(l.text) != "" {
			return true
		}
	}
	return false
}

// baseFontSize is the body size: the most common size weighted by text
// length.
func baseFontSize(lines []line) float64 {
	counts := map[float64]int{}
	for _, l := range lines {
		if l.fontSize > 0 {
			counts[snap(l.fontSize)] += len(l.text)
		}
	}
	base := modeFloat(counts)
	if base <= 0 {
		base = 12
	}
	return base
}

func modeFloat(counts map[float64]int) float64 {
	var best float64
	bestN := 0
	for v, n := range counts {
		if n > bestN {
			best, bestN = v, n
		}
	}
	return best
}

func modeString(counts map[string]int) string {
	var best string
	bestN := 0
	for v, n := range counts {
		if n > bestN {
			best, bestN = v, n
		}
	}
	return best
}

func classify(l line, baseSize float64) string {
	text := strings.TrimSpace(l.text)
	if isPageNumber(text) {
		return "footer"
	}
	if isHeading(l, baseSize) {
		return "heading"
	}
	if isQuote(text) {
		return "quote"
	}
	if isListItem(text) {
		return "list_item"
	}
	return "paragraph"
}

func isHeading(l line, baseSize float64) bool {
	if len(l.text) < 2 || len(l.text) > 200 {
		return false
	}
	if l.fontSize >= baseSize*headingSizeMultiplier {
		return true
	}
	if isBoldFont(l.fontName) && l.fontSize >= baseSize {
		return true
	}
	for _, p := range chapterPatterns {
		if p.MatchString(l.text) {
			return true
		}
	}
	return false
}

func isBoldFont(name string) bool {
	return strings.Contains(strings.ToLower(name), "bold")
}

func isPageNumber(text string) bool {
	for _, p := range pageNumberPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func isQuote(text string) bool {
	for _, prefix := range []string{`"`, "“", "«", "—", "–"} {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

func isListItem(text string) bool {
	for _, p := range listItemPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// mergeParagraphs joins consecutive paragraph rows into blocks, breaking on
// page changes and on vertical gaps wider than normal leading. Headings,
// quotes, and list items stay one block per row.
func mergeParagraphs(lines []line, baseSize float64) []line {
	gap := baseSize * paragraphGapFactor
	var out []line
	for _, l := range lines {
		if l.kind == "footer" {
			continue
		}
		if l.kind == "paragraph" && len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.kind == "paragraph" && prev.page == l.page && prev.y-l.y <= gap {
				prev.text += " " + l.text
				prev.y = l.y
				continue
			}
		}
		out = append(out, l)
	}
	return out
}

func organizeChapters(blocks []line, baseSize float64) domain.BookContent {
	content := domain.BookContent{}
	current := domain.Chapter{Title: "Front Matter", Level: 1}

	for _, b := range blocks {
		if b.kind == "heading" {
			level := headingLevel(b, baseSize)
			if level == 1 && len(current.Blocks) > 0 {
				content.Chapters = append(content.Chapters, current)
				current = domain.Chapter{Title: b.text, Level: 1, PageStart: b.page}
				continue
			}
			current.Blocks = append(current.Blocks, domain.Block{Type: domain.BlockHeading, Text: b.text, Level: level})
			continue
		}
		current.Blocks = append(current.Blocks, toBlock(b))
	}
	if len(current.Blocks) > 0 || current.Title != "Front Matter" {
		content.Chapters = append(content.Chapters, current)
	}
	return content
}

func toBlock(b line) domain.Block {
	switch b.kind {
	case "quote":
		return domain.Block{Type: domain.BlockQuote, Text: b.text}
	case "list_item":
		return domain.Block{Type: domain.BlockList, Text: listMarkerPrefix.ReplaceAllString(b.text, "")}
	default:
		return domain.Block{Type: domain.BlockParagraph, Text: b.text}
	}
}

func headingLevel(l line, baseSize float64) int {
	ratio := l.fontSize / baseSize
	switch {
	case ratio >= 2.0:
		return 1
	case ratio >= 1.5:
		return 2
	case ratio >= 1.3:
		return 3
	case ratio >= headingSizeMultiplier || isBoldFont(l.fontName):
		return 4
	default:
		return 5
	}
}

func detectTitle(content domain.BookContent, baseSize float64) string {
	if len(content.Chapters) == 0 {
		return ""
	}
	first := content.Chapters[0]
	if first.Title != "" && first.Title != "Front Matter" {
		return first.Title
	}
	limit := 5
	for _, b := range first.Blocks {
		if limit == 0 {
			break
		}
		limit--
		if b.Type == domain.BlockHeading && b.Level <= 2 {
			return b.Text
		}
	}
	return ""
}

func rawText(lines []line) string {
	var b strings.Builder
	lastPage := 0
	for _, l := range lines {
		if l.kind == "footer" {
			continue
		}
		if lastPage != 0 && l.page != lastPage {
			b.WriteString("\n")
		}
		b.WriteString(l.text)
		b.WriteString("\n")
		lastPage = l.page
	}
	return strings.TrimSpace(b.String())
}

// renderRawHTML produces the basic structural document handed to the
// normalizer alongside the block structure.
func renderRawHTML(content domain.BookContent) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n</head>\n<body>\n", html.EscapeString(content.Title))
	if content.Title != "" {
		fmt.Fprintf(&b, "<h1 class=\"book-title\">%s</h1>\n", html.EscapeString(content.Title))
	}
	if content.Author != "" {
		fmt.Fprintf(&b, "<p class=\"book-author\">%s</p>\n", html.EscapeString(content.Author))
	}
	for _, ch := range content.Chapters {
		fmt.Fprintf(&b, "<section class=\"chapter\" data-page=\"%d\">\n", ch.PageStart)
		if ch.Title != "" && ch.Title != "Front Matter" {
			fmt.Fprintf(&b, "<h1 class=\"chapter-title\">%s</h1>\n", html.EscapeString(ch.Title))
		}
		inList := false
		for _, block := range ch.Blocks {
			text := html.EscapeString(block.Text)
			if block.Type != domain.BlockList && inList {
				b.WriteString("</ul>\n")
				inList = false
			}
			switch block.Type {
			case domain.BlockHeading:
				level := block.Level
				if level < 1 || level > 6 {
					level = 2
				}
				fmt.Fprintf(&b, "<h%d>%s</h%d>\n", level, text, level)
			case domain.BlockQuote:
				fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", text)
			case domain.BlockList:
				if !inList {
					b.WriteString("<ul>\n")
					inList = true
				}
				fmt.Fprintf(&b, "<li>%s</li>\n", text)
			default:
				fmt.Fprintf(&b, "<p>%s</p>\n", text)
			}
		}
		if inList {
			b.WriteString("</ul>\n")
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</body>\n</html>")
	return b.String()
}
