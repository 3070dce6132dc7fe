package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"bookflow/pkg/domain"
)

// MemoryStore keeps all pipeline state in-process. It implements the same
// contract as GormStore and backs the package tests.
type MemoryStore struct {
	mu           sync.RWMutex
	projects     map[string]domain.Project
	projectOrder []string
	uploads      map[string]domain.Upload    // key: project ID
	structures   map[string]domain.Structure // key: project ID
	templates    map[string]domain.Template  // key: template key
	renditions   map[string]domain.Rendition // key: rendition ID
	interactions []domain.InteractionLog
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:   make(map[string]domain.Project),
		uploads:    make(map[string]domain.Upload),
		structures: make(map[string]domain.Structure),
		templates:  make(map[string]domain.Template),
		renditions: make(map[string]domain.Rendition),
	}
}

// SaveProject stores or replaces a project and tracks insertion order.
func (m *MemoryStore) SaveProject(p domain.Project) error {
	if !p.Status.Valid() {
		return ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[p.ID]; !exists {
		m.projectOrder = append(m.projectOrder, p.ID)
	}
	m.projects[p.ID] = p
	return nil
}

// GetProject retrieves a project by ID.
func (m *MemoryStore) GetProject(id string) (domain.Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok, nil
}

// ListProjects returns projects newest first.
func (m *MemoryStore) ListProjects() ([]domain.Project, error) {
	return m.listProjects(func(domain.Project) bool { return true })
}

// ListProjectsByOwner returns the owner's projects newest first.
func (m *MemoryStore) ListProjectsByOwner(ownerID string) ([]domain.Project, error) {
	return m.listProjects(func(p domain.Project) bool { return p.OwnerID == ownerID })
}

func (m *MemoryStore) listProjects(keep func(domain.Project) bool) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Project, 0, len(m.projectOrder))
	for i := len(m.projectOrder) - 1; i >= 0; i-- {
		if p, ok := m.projects[m.projectOrder[i]]; ok && keep(p) {
			res = append(res, p)
		}
	}
	return res, nil
}

// SetProjectStatus updates status and error message.
func (m *MemoryStore) SetProjectStatus(id string, status domain.ProjectStatus, errMsg string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil
	}
	p.Status = status
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now().UTC()
	m.projects[id] = p
	return nil
}

// CASProjectStatus transitions only when the project still holds from.
func (m *MemoryStore) CASProjectStatus(id string, from, to domain.ProjectStatus, errMsg string) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now().UTC()
	m.projects[id] = p
	return true, nil
}

// SetProjectMeta writes one metadata key.
func (m *MemoryStore) SetProjectMeta(id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("project %s not found", id)
	}
	meta := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta[key] = value
	p.Metadata = meta
	p.UpdatedAt = time.Now().UTC()
	m.projects[id] = p
	return nil
}

// DeleteProject cascades to upload, structure, and renditions; interaction
// log entries keep their data with the project reference nulled.
func (m *MemoryStore) DeleteProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	delete(m.uploads, id)
	delete(m.structures, id)
	for rid, r := range m.renditions {
		if r.ProjectID == id {
			delete(m.renditions, rid)
		}
	}
	for i := range m.interactions {
		if m.interactions[i].ProjectID != nil && *m.interactions[i].ProjectID == id {
			m.interactions[i].ProjectID = nil
		}
	}
	filtered := m.projectOrder[:0]
	for _, item := range m.projectOrder {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.projectOrder = filtered
	return nil
}

// ReplaceUpload swaps the project's upload record.
func (m *MemoryStore) ReplaceUpload(u domain.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[u.ProjectID] = u
	return nil
}

// GetUpload returns the project's upload.
func (m *MemoryStore) GetUpload(projectID string) (domain.Upload, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.uploads[projectID]
	return u, ok, nil
}

// SaveExtraction replaces the project's structure record wholesale.
func (m *MemoryStore) SaveExtraction(s domain.Structure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structures[s.ProjectID] = s
	return nil
}

// SaveNormalization replaces the normalized fields in one write.
func (m *MemoryStore) SaveNormalization(projectID string, content domain.BookContent, normalizedHTML string, wordCount, chapterCount, imageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.structures[projectID]
	if !ok {
		return fmt.Errorf("structure for project %s not found", projectID)
	}
	s.Content = content
	s.NormalizedHTML = normalizedHTML
	s.WordCount = wordCount
	s.ChapterCount = chapterCount
	s.ImageCount = imageCount
	s.UpdatedAt = time.Now().UTC()
	m.structures[projectID] = s
	return nil
}

// GetStructure returns the project's structure.
func (m *MemoryStore) GetStructure(projectID string) (domain.Structure, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.structures[projectID]
	return s, ok, nil
}

// SeedTemplates inserts templates that are not present yet.
func (m *MemoryStore) SeedTemplates(templates []domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range templates {
		if _, exists := m.templates[t.Key]; !exists {
			m.templates[t.Key] = t
		}
	}
	return nil
}

// ListTemplates returns catalog templates by sort order.
func (m *MemoryStore) ListTemplates(activeOnly bool) ([]domain.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Template, 0, len(m.templates))
	for _, t := range m.templates {
		if activeOnly && !t.IsActive {
			continue
		}
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SortOrder < res[j].SortOrder })
	return res, nil
}

// GetTemplateByKey returns an active template by key.
func (m *MemoryStore) GetTemplateByKey(key string) (domain.Template, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[key]
	if !ok || !t.IsActive {
		return domain.Template{}, false, nil
	}
	return t, true, nil
}

// CreateRendition inserts a new rendition.
func (m *MemoryStore) CreateRendition(r domain.Rendition) error {
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renditions[r.ID] = r
	return nil
}

// GetRendition returns one rendition by ID.
func (m *MemoryStore) GetRendition(id string) (domain.Rendition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.renditions[id]
	return r, ok, nil
}

// GetCurrentRendition returns the project's current rendition.
func (m *MemoryStore) GetCurrentRendition(projectID string) (domain.Rendition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.renditions {
		if r.ProjectID == projectID && r.IsCurrent {
			return r, true, nil
		}
	}
	return domain.Rendition{}, false, nil
}

// ListRenditions returns the project's rendition history, newest first.
func (m *MemoryStore) ListRenditions(projectID string) ([]domain.Rendition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Rendition, 0)
	for _, r := range m.renditions {
		if r.ProjectID == projectID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// PromoteRendition demotes the old current row and promotes the new one
// under one lock acquisition.
func (m *MemoryStore) PromoteRendition(projectID, renditionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.renditions[renditionID]
	if !ok || target.ProjectID != projectID {
		return fmt.Errorf("rendition %s not found for project %s", renditionID, projectID)
	}
	now := time.Now().UTC()
	for id, r := range m.renditions {
		if r.ProjectID == projectID && r.IsCurrent && id != renditionID {
			r.IsCurrent = false
			r.UpdatedAt = now
			m.renditions[id] = r
		}
	}
	target.IsCurrent = true
	target.UpdatedAt = now
	m.renditions[renditionID] = target
	return nil
}

// SetRenditionStatus updates rendition status and error message.
func (m *MemoryStore) SetRenditionStatus(id string, status domain.RenditionStatus, errMsg string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renditions[id]
	if !ok {
		return nil
	}
	r.Status = status
	r.ErrorMessage = errMsg
	r.UpdatedAt = time.Now().UTC()
	m.renditions[id] = r
	return nil
}

// CASRenditionStatus transitions only from the given state.
func (m *MemoryStore) CASRenditionStatus(id string, from, to domain.RenditionStatus) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renditions[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	m.renditions[id] = r
	return true, nil
}

// CompletePreview records a finished preview render.
func (m *MemoryStore) CompletePreview(id string, previewPath string, pageCount int, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renditions[id]
	if !ok {
		return fmt.Errorf("rendition %s not found", id)
	}
	r.Status = domain.RenditionPreviewGenerated
	r.PreviewPath = previewPath
	r.PageCount = pageCount
	r.RenderDurationMS = durationMS
	r.ErrorMessage = ""
	r.UpdatedAt = time.Now().UTC()
	m.renditions[id] = r
	return nil
}

// CompleteFinal records a finished final render and the approval timestamp.
func (m *MemoryStore) CompleteFinal(id string, finalPath string, pageCount int, sizeBytes int64, durationMS int64, approvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renditions[id]
	if !ok {
		return fmt.Errorf("rendition %s not found", id)
	}
	approved := approvedAt.UTC()
	r.Status = domain.RenditionPDFGenerated
	r.FinalPath = finalPath
	r.PageCount = pageCount
	r.FileSizeBytes = sizeBytes
	r.RenderDurationMS = durationMS
	r.ApprovedAt = &approved
	r.ErrorMessage = ""
	r.UpdatedAt = time.Now().UTC()
	m.renditions[id] = r
	return nil
}

// AppendInteraction records one ledger entry.
func (m *MemoryStore) AppendInteraction(entry domain.InteractionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, entry)
	return nil
}

// ListInteractions returns ledger entries for a project, newest first. An
// empty project ID returns every entry, orphaned ones included.
func (m *MemoryStore) ListInteractions(projectID string) ([]domain.InteractionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.InteractionLog, 0)
	for i := len(m.interactions) - 1; i >= 0; i-- {
		e := m.interactions[i]
		if projectID == "" || (e.ProjectID != nil && *e.ProjectID == projectID) {
			res = append(res, e)
		}
	}
	return res, nil
}
