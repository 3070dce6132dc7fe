package domain

import "time"

type ProjectStatus string

const (
	StatusCreated     ProjectStatus = "created"
	StatusUploaded    ProjectStatus = "uploaded"
	StatusExtracting  ProjectStatus = "extracting"
	StatusParsed      ProjectStatus = "parsed"
	StatusNormalizing ProjectStatus = "normalizing"
	StatusNormalized  ProjectStatus = "normalized"
	StatusTemplated   ProjectStatus = "templated"
	StatusApproved    ProjectStatus = "approved"
	StatusExporting   ProjectStatus = "exporting"
	StatusExported    ProjectStatus = "exported"
	StatusError       ProjectStatus = "error"
)

// projectStatuses is the closed set accepted at the storage boundary.
var projectStatuses = map[ProjectStatus]bool{
	StatusCreated:     true,
	StatusUploaded:    true,
	StatusExtracting:  true,
	StatusParsed:      true,
	StatusNormalizing: true,
	StatusNormalized:  true,
	StatusTemplated:   true,
	StatusApproved:    true,
	StatusExporting:   true,
	StatusExported:    true,
	StatusError:       true,
}

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool { return projectStatuses[s] }

// InFlight reports whether s indicates a stage execution in progress.
func (s ProjectStatus) InFlight() bool {
	switch s {
	case StatusExtracting, StatusNormalizing, StatusExporting:
		return true
	}
	return false
}

// Terminal reports whether s ends the success path.
func (s ProjectStatus) Terminal() bool { return s == StatusExported }

type RenditionStatus string

const (
	RenditionPending           RenditionStatus = "pending"
	RenditionPreviewGenerating RenditionStatus = "preview_generating"
	RenditionPreviewGenerated  RenditionStatus = "preview_generated"
	RenditionPDFGenerating     RenditionStatus = "pdf_generating"
	RenditionPDFGenerated      RenditionStatus = "pdf_generated"
	RenditionError             RenditionStatus = "error"
)

var renditionStatuses = map[RenditionStatus]bool{
	RenditionPending:           true,
	RenditionPreviewGenerating: true,
	RenditionPreviewGenerated:  true,
	RenditionPDFGenerating:     true,
	RenditionPDFGenerated:      true,
	RenditionError:             true,
}

// Valid reports whether s is a known rendition status.
func (s RenditionStatus) Valid() bool { return renditionStatuses[s] }

// InFlight reports whether s indicates a render in progress.
func (s RenditionStatus) InFlight() bool {
	return s == RenditionPreviewGenerating || s == RenditionPDFGenerating
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the verified caller identity attached to each request. Identity
// verification itself belongs to the external auth collaborator.
type User struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}

// Project is one manuscript-to-book job.
type Project struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId"`
	Title            string            `json:"title"`
	OriginalFilename string            `json:"originalFilename,omitempty"`
	Status           ProjectStatus     `json:"status"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Upload records the original source file for a project. Immutable after
// creation; a re-upload replaces it.
type Upload struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	StoragePath      string    `json:"-"`
	OriginalFilename string    `json:"originalFilename"`
	SizeBytes        int64     `json:"sizeBytes"`
	Checksum         string    `json:"checksum"`
	PageCount        int       `json:"pageCount,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Structure holds the extracted and normalized content for a project.
// Writes replace the relevant fields wholesale, never partially.
type Structure struct {
	ID             string      `json:"id"`
	ProjectID      string      `json:"projectId"`
	RawText        string      `json:"-"`
	RawHTML        string      `json:"-"`
	Content        BookContent `json:"content"`
	NormalizedHTML string      `json:"-"`
	WordCount      int         `json:"wordCount"`
	ChapterCount   int         `json:"chapterCount"`
	ImageCount     int         `json:"imageCount"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Normalized reports whether AI normalization has produced output.
func (s Structure) Normalized() bool { return s.NormalizedHTML != "" }

// BookContent is the semantic content tree of a manuscript.
type BookContent struct {
	Title    string       `json:"title"`
	Author   string       `json:"author,omitempty"`
	Chapters []Chapter    `json:"chapters"`
	Metadata BookMetadata `json:"metadata"`
}

type Chapter struct {
	Title     string  `json:"title"`
	Level     int     `json:"level"`
	PageStart int     `json:"pageStart,omitempty"`
	Blocks    []Block `json:"content"`
}

// Block content types.
const (
	BlockParagraph  = "paragraph"
	BlockHeading    = "heading"
	BlockQuote      = "quote"
	BlockList       = "list"
	BlockFootnote   = "footnote"
	BlockSceneBreak = "scene_break"
	BlockPullQuote  = "pull_quote"
	BlockInsightBox = "insight_box"
	BlockImage      = "image"
)

// Block is one content unit inside a chapter. Type selects which of the
// remaining fields are meaningful.
type Block struct {
	Type        string   `json:"type"`
	Level       int      `json:"level,omitempty"`
	Text        string   `json:"text,omitempty"`
	Attribution string   `json:"attribution,omitempty"`
	Ordered     bool     `json:"ordered,omitempty"`
	Items       []string `json:"items,omitempty"`
	RefID       string   `json:"id,omitempty"`
	Title       string   `json:"title,omitempty"`
}

type BookMetadata struct {
	WordCount        int    `json:"word_count"`
	ChapterCount     int    `json:"chapter_count"`
	ImageCount       int    `json:"image_count"`
	HasFootnotes     bool   `json:"has_footnotes"`
	DetectedLanguage string `json:"detected_language,omitempty"`
}

// Template is a named, versionless styling configuration owned by the
// template catalog; read-only to the pipeline.
type Template struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	SortOrder   int            `json:"sortOrder"`
	IsActive    bool           `json:"isActive"`
	Config      TemplateConfig `json:"config"`
}

// TemplateConfig is the closed set of style axes a template may carry.
// Missing axes fall back to a documented default per axis.
type TemplateConfig struct {
	Fonts            FontConfig   `json:"fonts"`
	Sizes            SizeConfig   `json:"sizes"`
	Colors           ColorConfig  `json:"colors"`
	Margins          MarginConfig `json:"margins"`
	LineHeight       float64      `json:"lineHeight,omitempty"`
	ParagraphSpacing string       `json:"paragraphSpacing,omitempty"`
	Features         FeatureFlags `json:"features"`
}

type FontConfig struct {
	Heading string `json:"heading,omitempty"`
	Body    string `json:"body,omitempty"`
}

type SizeConfig struct {
	H1   string `json:"h1,omitempty"`
	H2   string `json:"h2,omitempty"`
	H3   string `json:"h3,omitempty"`
	Body string `json:"body,omitempty"`
}

type ColorConfig struct {
	Text       string `json:"text,omitempty"`
	Heading    string `json:"heading,omitempty"`
	Accent     string `json:"accent,omitempty"`
	Background string `json:"background,omitempty"`
}

type MarginConfig struct {
	Top    string `json:"top,omitempty"`
	Bottom string `json:"bottom,omitempty"`
	Inner  string `json:"inner,omitempty"`
	Outer  string `json:"outer,omitempty"`
}

type FeatureFlags struct {
	DropCaps         bool   `json:"dropCaps,omitempty"`
	ChapterBreak     string `json:"chapterBreak,omitempty"` // none, page, spread
	HeaderFooter     string `json:"headerFooter,omitempty"` // none, minimal, classic
	SectionNumbering bool   `json:"sectionNumbering,omitempty"`
	Footnotes        bool   `json:"footnotes,omitempty"`
	PullQuotes       bool   `json:"pullQuotes,omitempty"`
	InsightBoxes     bool   `json:"insightBoxes,omitempty"`
	Ornaments        bool   `json:"ornaments,omitempty"`
}

// Rendition is one attempt to produce styled output for a project under a
// template. History is retained; only is_current and the approval timestamp
// mutate after a terminal success status.
type Rendition struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"projectId"`
	TemplateID       string          `json:"templateId"`
	TemplateKey      string          `json:"templateKey"`
	Status           RenditionStatus `json:"status"`
	PreviewPath      string          `json:"-"`
	FinalPath        string          `json:"-"`
	PageCount        int             `json:"pageCount,omitempty"`
	FileSizeBytes    int64           `json:"fileSizeBytes,omitempty"`
	RenderDurationMS int64           `json:"renderDurationMs,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	IsCurrent        bool            `json:"isCurrent"`
	ApprovedAt       *time.Time      `json:"approvedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// InteractionLog is one append-only record of an AI-assisted call. Never
// updated; orphaned rather than deleted when its project is removed.
type InteractionLog struct {
	ID             string    `json:"id"`
	ProjectID      *string   `json:"projectId,omitempty"`
	Step           string    `json:"step"`
	RequestSummary string    `json:"requestSummary"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	DurationMS     int64     `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}
