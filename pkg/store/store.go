package store

import (
	"errors"
	"time"

	"bookflow/pkg/domain"
)

// ErrInvalidStatus is returned when a write carries a status outside the
// closed enumeration. Illegal literals never reach persistence.
var ErrInvalidStatus = errors.New("status outside the known value set")

// Store defines persistence for projects, uploads, structures, templates,
// renditions, and the interaction ledger.
type Store interface {
	// projects
	SaveProject(domain.Project) error
	GetProject(id string) (domain.Project, bool, error)
	ListProjects() ([]domain.Project, error)
	ListProjectsByOwner(ownerID string) ([]domain.Project, error)
	// SetProjectStatus writes status plus error message unconditionally.
	SetProjectStatus(id string, status domain.ProjectStatus, errMsg string) error
	// CASProjectStatus transitions status only if the row still holds from.
	// Returns false when the project moved underneath the caller; the
	// caller's stage result must then be discarded.
	CASProjectStatus(id string, from, to domain.ProjectStatus, errMsg string) (bool, error)
	SetProjectMeta(id, key, value string) error
	// DeleteProject cascades to the project's upload, structure, and
	// renditions, and nulls (does not delete) its interaction log entries.
	DeleteProject(id string) error

	// uploads: one per project, replaced on re-upload
	ReplaceUpload(domain.Upload) error
	GetUpload(projectID string) (domain.Upload, bool, error)

	// structures: one per project; extraction replaces the whole record,
	// normalization replaces the normalized fields in one write
	SaveExtraction(domain.Structure) error
	SaveNormalization(projectID string, content domain.BookContent, normalizedHTML string, wordCount, chapterCount, imageCount int) error
	GetStructure(projectID string) (domain.Structure, bool, error)

	// templates: read-only catalog, seeded at startup
	SeedTemplates([]domain.Template) error
	ListTemplates(activeOnly bool) ([]domain.Template, error)
	GetTemplateByKey(key string) (domain.Template, bool, error)

	// renditions
	CreateRendition(domain.Rendition) error
	GetRendition(id string) (domain.Rendition, bool, error)
	GetCurrentRendition(projectID string) (domain.Rendition, bool, error)
	ListRenditions(projectID string) ([]domain.Rendition, error)
	// PromoteRendition demotes the previous current rendition and promotes
	// the given one in a single atomic unit.
	PromoteRendition(projectID, renditionID string) error
	SetRenditionStatus(id string, status domain.RenditionStatus, errMsg string) error
	CASRenditionStatus(id string, from, to domain.RenditionStatus) (bool, error)
	CompletePreview(id string, previewPath string, pageCount int, durationMS int64) error
	CompleteFinal(id string, finalPath string, pageCount int, sizeBytes int64, durationMS int64, approvedAt time.Time) error

	// interaction ledger: append-only; listing with an empty project ID
	// returns every entry, orphaned ones included
	AppendInteraction(domain.InteractionLog) error
	ListInteractions(projectID string) ([]domain.InteractionLog, error)
}
