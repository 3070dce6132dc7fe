package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ProjectModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	Title            string `gorm:"not null"`
	OriginalFilename string
	Status           string `gorm:"not null"`
	ErrorMessage     string
	Metadata         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

type UploadModel struct {
	ID               string `gorm:"primaryKey"`
	ProjectID        string `gorm:"not null;uniqueIndex"`
	StoragePath      string `gorm:"not null"`
	OriginalFilename string `gorm:"not null"`
	SizeBytes        int64  `gorm:"not null"`
	Checksum         string
	PageCount        int
	CreatedAt        time.Time `gorm:"not null"`
}

type StructureModel struct {
	ID             string         `gorm:"primaryKey"`
	ProjectID      string         `gorm:"not null;uniqueIndex"`
	RawText        string         `gorm:"type:text"`
	RawHTML        string         `gorm:"type:text"`
	Content        datatypes.JSON `gorm:"type:jsonb"`
	NormalizedHTML string         `gorm:"type:text"`
	WordCount      int
	ChapterCount   int
	ImageCount     int
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type TemplateModel struct {
	ID          string `gorm:"primaryKey"`
	Key         string `gorm:"uniqueIndex;not null"`
	Name        string `gorm:"not null"`
	Description string
	Category    string
	SortOrder   int
	IsActive    bool           `gorm:"not null"`
	Config      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
}

type RenditionModel struct {
	ID               string `gorm:"primaryKey"`
	ProjectID        string `gorm:"not null;index"`
	TemplateID       string `gorm:"not null"`
	TemplateKey      string `gorm:"not null"`
	Status           string `gorm:"not null"`
	PreviewPath      string
	FinalPath        string
	PageCount        int
	FileSizeBytes    int64
	RenderDurationMS int64
	ErrorMessage     string
	IsCurrent        bool `gorm:"not null;index"`
	ApprovedAt       *time.Time
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type InteractionLogModel struct {
	ID             string  `gorm:"primaryKey"`
	ProjectID      *string `gorm:"index"`
	Step           string  `gorm:"not null"`
	RequestSummary string
	InputTokens    int
	OutputTokens   int
	Success        bool
	ErrorMessage   string
	DurationMS     int64
	CreatedAt      time.Time `gorm:"not null;index"`
}
