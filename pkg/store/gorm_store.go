package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookflow/pkg/domain"
)

const migrateLockID int64 = 52105210

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&ProjectModel{},
			&UploadModel{},
			&StructureModel{},
			&TemplateModel{},
			&RenditionModel{},
			&InteractionLogModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'upload_models'
					AND constraint_name = 'upload_models_project_id_fkey'
				) THEN
					ALTER TABLE upload_models
					ADD CONSTRAINT upload_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'structure_models'
					AND constraint_name = 'structure_models_project_id_fkey'
				) THEN
					ALTER TABLE structure_models
					ADD CONSTRAINT structure_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'rendition_models'
					AND constraint_name = 'rendition_models_project_id_fkey'
				) THEN
					ALTER TABLE rendition_models
					ADD CONSTRAINT rendition_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure project foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveProject stores or updates a project.
func (s *GormStore) SaveProject(p domain.Project) error {
	if !p.Status.Valid() {
		return ErrInvalidStatus
	}
	model := projectToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "title", "original_filename", "status", "error_message", "metadata", "updated_at"}),
	}).Create(&model).Error
}

// GetProject retrieves a project.
func (s *GormStore) GetProject(id string) (domain.Project, bool, error) {
	var model ProjectModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	return projectFromModel(model), true, nil
}

// ListProjects returns all projects ordered by created_at.
func (s *GormStore) ListProjects() ([]domain.Project, error) {
	return s.listProjects("created_at DESC")
}

// ListProjectsByOwner returns projects filtered by owner.
func (s *GormStore) ListProjectsByOwner(ownerID string) ([]domain.Project, error) {
	return s.listProjects("created_at DESC", "owner_id = ?", ownerID)
}

func (s *GormStore) listProjects(order string, conds ...any) ([]domain.Project, error) {
	var models []ProjectModel
	tx := s.db.Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(models))
	for _, m := range models {
		res = append(res, projectFromModel(m))
	}
	return res, nil
}

// SetProjectStatus updates project status and error message.
func (s *GormStore) SetProjectStatus(id string, status domain.ProjectStatus, errMsg string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	return s.db.Model(&ProjectModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// CASProjectStatus transitions status only when the row still holds from.
func (s *GormStore) CASProjectStatus(id string, from, to domain.ProjectStatus, errMsg string) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, ErrInvalidStatus
	}
	tx := s.db.Model(&ProjectModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":        string(to),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// SetProjectMeta writes one metadata key on the project.
func (s *GormStore) SetProjectMeta(id, key, value string) error {
	var model ProjectModel
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		meta := map[string]string{}
		if len(model.Metadata) > 0 {
			_ = json.Unmarshal(model.Metadata, &meta)
		}
		meta[key] = value
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Model(&ProjectModel{}).Where("id = ?", id).
			Updates(map[string]any{"metadata": raw, "updated_at": time.Now().UTC()}).Error
	})
}

// DeleteProject removes the project and its upload, structure, and
// renditions; interaction log rows keep their data with project_id nulled.
func (s *GormStore) DeleteProject(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&InteractionLogModel{}).
			Where("project_id = ?", id).
			Update("project_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Delete(&UploadModel{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&StructureModel{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&RenditionModel{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ProjectModel{}, "id = ?", id).Error
	})
}

// ReplaceUpload swaps the project's upload record for a new one.
func (s *GormStore) ReplaceUpload(u domain.Upload) error {
	model := uploadToModel(u)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&UploadModel{}, "project_id = ?", u.ProjectID).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
}

// GetUpload returns the project's upload.
func (s *GormStore) GetUpload(projectID string) (domain.Upload, bool, error) {
	var model UploadModel
	if err := s.db.First(&model, "project_id = ?", projectID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Upload{}, false, nil
		}
		return domain.Upload{}, false, err
	}
	return uploadFromModel(model), true, nil
}

// SaveExtraction replaces the project's structure record wholesale.
func (s *GormStore) SaveExtraction(st domain.Structure) error {
	model, err := structureToModel(st)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&StructureModel{}, "project_id = ?", st.ProjectID).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
}

// SaveNormalization replaces the normalized fields in one write.
func (s *GormStore) SaveNormalization(projectID string, content domain.BookContent, normalizedHTML string, wordCount, chapterCount, imageCount int) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	tx := s.db.Model(&StructureModel{}).
		Where("project_id = ?", projectID).
		Updates(map[string]any{
			"content":         raw,
			"normalized_html": normalizedHTML,
			"word_count":      wordCount,
			"chapter_count":   chapterCount,
			"image_count":     imageCount,
			"updated_at":      time.Now().UTC(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("structure for project %s not found", projectID)
	}
	return nil
}

// GetStructure returns the project's structure.
func (s *GormStore) GetStructure(projectID string) (domain.Structure, bool, error) {
	var model StructureModel
	if err := s.db.First(&model, "project_id = ?", projectID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Structure{}, false, nil
		}
		return domain.Structure{}, false, err
	}
	return structureFromModel(model), true, nil
}

// SeedTemplates inserts catalog templates that are not present yet.
func (s *GormStore) SeedTemplates(templates []domain.Template) error {
	for _, t := range templates {
		model, err := templateToModel(t)
		if err != nil {
			return err
		}
		if err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&model).Error; err != nil {
			return err
		}
	}
	return nil
}

// ListTemplates returns catalog templates ordered by sort_order.
func (s *GormStore) ListTemplates(activeOnly bool) ([]domain.Template, error) {
	var models []TemplateModel
	tx := s.db.Order("sort_order ASC")
	if activeOnly {
		tx = tx.Where("is_active = ?", true)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Template, 0, len(models))
	for _, m := range models {
		res = append(res, templateFromModel(m))
	}
	return res, nil
}

// GetTemplateByKey returns an active template by key.
func (s *GormStore) GetTemplateByKey(key string) (domain.Template, bool, error) {
	var model TemplateModel
	if err := s.db.First(&model, "key = ? AND is_active = ?", key, true).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Template{}, false, nil
		}
		return domain.Template{}, false, err
	}
	return templateFromModel(model), true, nil
}

// CreateRendition inserts a new rendition row.
func (s *GormStore) CreateRendition(r domain.Rendition) error {
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	model := renditionToModel(r)
	return s.db.Create(&model).Error
}

// GetRendition returns one rendition by ID.
func (s *GormStore) GetRendition(id string) (domain.Rendition, bool, error) {
	var model RenditionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Rendition{}, false, nil
		}
		return domain.Rendition{}, false, err
	}
	return renditionFromModel(model), true, nil
}

// GetCurrentRendition returns the project's current rendition.
func (s *GormStore) GetCurrentRendition(projectID string) (domain.Rendition, bool, error) {
	var model RenditionModel
	if err := s.db.First(&model, "project_id = ? AND is_current = ?", projectID, true).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Rendition{}, false, nil
		}
		return domain.Rendition{}, false, err
	}
	return renditionFromModel(model), true, nil
}

// ListRenditions returns the project's full rendition history, newest first.
func (s *GormStore) ListRenditions(projectID string) ([]domain.Rendition, error) {
	var models []RenditionModel
	if err := s.db.Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Rendition, 0, len(models))
	for _, m := range models {
		res = append(res, renditionFromModel(m))
	}
	return res, nil
}

// PromoteRendition demotes the old current row and promotes the new one in
// one transaction so at most one rendition per project is ever current.
func (s *GormStore) PromoteRendition(projectID, renditionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&RenditionModel{}).
			Where("project_id = ? AND is_current = ? AND id <> ?", projectID, true, renditionID).
			Updates(map[string]any{"is_current": false, "updated_at": now}).Error; err != nil {
			return err
		}
		res := tx.Model(&RenditionModel{}).
			Where("id = ? AND project_id = ?", renditionID, projectID).
			Updates(map[string]any{"is_current": true, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("rendition %s not found for project %s", renditionID, projectID)
		}
		return nil
	})
}

// SetRenditionStatus updates rendition status and error message.
func (s *GormStore) SetRenditionStatus(id string, status domain.RenditionStatus, errMsg string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	return s.db.Model(&RenditionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// CASRenditionStatus transitions rendition status only from the given state.
func (s *GormStore) CASRenditionStatus(id string, from, to domain.RenditionStatus) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, ErrInvalidStatus
	}
	tx := s.db.Model(&RenditionModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// CompletePreview records a finished preview render.
func (s *GormStore) CompletePreview(id string, previewPath string, pageCount int, durationMS int64) error {
	return s.db.Model(&RenditionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":             string(domain.RenditionPreviewGenerated),
			"preview_path":       previewPath,
			"page_count":         pageCount,
			"render_duration_ms": durationMS,
			"error_message":      "",
			"updated_at":         time.Now().UTC(),
		}).Error
}

// CompleteFinal records a finished final render and the approval timestamp.
func (s *GormStore) CompleteFinal(id string, finalPath string, pageCount int, sizeBytes int64, durationMS int64, approvedAt time.Time) error {
	return s.db.Model(&RenditionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":             string(domain.RenditionPDFGenerated),
			"final_path":         finalPath,
			"page_count":         pageCount,
			"file_size_bytes":    sizeBytes,
			"render_duration_ms": durationMS,
			"approved_at":        approvedAt.UTC(),
			"error_message":      "",
			"updated_at":         time.Now().UTC(),
		}).Error
}

// AppendInteraction inserts one ledger row. Rows are never updated.
func (s *GormStore) AppendInteraction(entry domain.InteractionLog) error {
	model := interactionToModel(entry)
	return s.db.Create(&model).Error
}

// ListInteractions returns ledger entries for a project, newest first.
func (s *GormStore) ListInteractions(projectID string) ([]domain.InteractionLog, error) {
	var models []InteractionLogModel
	q := s.db.Order("created_at DESC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.InteractionLog, 0, len(models))
	for _, m := range models {
		res = append(res, interactionFromModel(m))
	}
	return res, nil
}

func projectToModel(p domain.Project) ProjectModel {
	raw, _ := json.Marshal(p.Metadata)
	return ProjectModel{
		ID:               p.ID,
		OwnerID:          p.OwnerID,
		Title:            p.Title,
		OriginalFilename: p.OriginalFilename,
		Status:           string(p.Status),
		ErrorMessage:     p.ErrorMessage,
		Metadata:         raw,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func projectFromModel(m ProjectModel) domain.Project {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Project{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Title:            m.Title,
		OriginalFilename: m.OriginalFilename,
		Status:           domain.ProjectStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		Metadata:         meta,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func uploadToModel(u domain.Upload) UploadModel {
	return UploadModel{
		ID:               u.ID,
		ProjectID:        u.ProjectID,
		StoragePath:      u.StoragePath,
		OriginalFilename: u.OriginalFilename,
		SizeBytes:        u.SizeBytes,
		Checksum:         u.Checksum,
		PageCount:        u.PageCount,
		CreatedAt:        u.CreatedAt,
	}
}

func uploadFromModel(m UploadModel) domain.Upload {
	return domain.Upload{
		ID:               m.ID,
		ProjectID:        m.ProjectID,
		StoragePath:      m.StoragePath,
		OriginalFilename: m.OriginalFilename,
		SizeBytes:        m.SizeBytes,
		Checksum:         m.Checksum,
		PageCount:        m.PageCount,
		CreatedAt:        m.CreatedAt,
	}
}

func structureToModel(s domain.Structure) (StructureModel, error) {
	raw, err := json.Marshal(s.Content)
	if err != nil {
		return StructureModel{}, fmt.Errorf("encode content: %w", err)
	}
	return StructureModel{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		RawText:        s.RawText,
		RawHTML:        s.RawHTML,
		Content:        raw,
		NormalizedHTML: s.NormalizedHTML,
		WordCount:      s.WordCount,
		ChapterCount:   s.ChapterCount,
		ImageCount:     s.ImageCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}, nil
}

func structureFromModel(m StructureModel) domain.Structure {
	var content domain.BookContent
	if len(m.Content) > 0 {
		_ = json.Unmarshal(m.Content, &content)
	}
	return domain.Structure{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		RawText:        m.RawText,
		RawHTML:        m.RawHTML,
		Content:        content,
		NormalizedHTML: m.NormalizedHTML,
		WordCount:      m.WordCount,
		ChapterCount:   m.ChapterCount,
		ImageCount:     m.ImageCount,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func templateToModel(t domain.Template) (TemplateModel, error) {
	raw, err := json.Marshal(t.Config)
	if err != nil {
		return TemplateModel{}, fmt.Errorf("encode template config: %w", err)
	}
	return TemplateModel{
		ID:          t.ID,
		Key:         t.Key,
		Name:        t.Name,
		Description: t.Description,
		Category:    t.Category,
		SortOrder:   t.SortOrder,
		IsActive:    t.IsActive,
		Config:      raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func templateFromModel(m TemplateModel) domain.Template {
	var config domain.TemplateConfig
	if len(m.Config) > 0 {
		_ = json.Unmarshal(m.Config, &config)
	}
	return domain.Template{
		ID:          m.ID,
		Key:         m.Key,
		Name:        m.Name,
		Description: m.Description,
		Category:    m.Category,
		SortOrder:   m.SortOrder,
		IsActive:    m.IsActive,
		Config:      config,
	}
}

func renditionToModel(r domain.Rendition) RenditionModel {
	return RenditionModel{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		TemplateID:       r.TemplateID,
		TemplateKey:      r.TemplateKey,
		Status:           string(r.Status),
		PreviewPath:      r.PreviewPath,
		FinalPath:        r.FinalPath,
		PageCount:        r.PageCount,
		FileSizeBytes:    r.FileSizeBytes,
		RenderDurationMS: r.RenderDurationMS,
		ErrorMessage:     r.ErrorMessage,
		IsCurrent:        r.IsCurrent,
		ApprovedAt:       r.ApprovedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func renditionFromModel(m RenditionModel) domain.Rendition {
	return domain.Rendition{
		ID:               m.ID,
		ProjectID:        m.ProjectID,
		TemplateID:       m.TemplateID,
		TemplateKey:      m.TemplateKey,
		Status:           domain.RenditionStatus(m.Status),
		PreviewPath:      m.PreviewPath,
		FinalPath:        m.FinalPath,
		PageCount:        m.PageCount,
		FileSizeBytes:    m.FileSizeBytes,
		RenderDurationMS: m.RenderDurationMS,
		ErrorMessage:     m.ErrorMessage,
		IsCurrent:        m.IsCurrent,
		ApprovedAt:       m.ApprovedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func interactionToModel(e domain.InteractionLog) InteractionLogModel {
	return InteractionLogModel{
		ID:             e.ID,
		ProjectID:      e.ProjectID,
		Step:           e.Step,
		RequestSummary: e.RequestSummary,
		InputTokens:    e.InputTokens,
		OutputTokens:   e.OutputTokens,
		Success:        e.Success,
		ErrorMessage:   e.ErrorMessage,
		DurationMS:     e.DurationMS,
		CreatedAt:      e.CreatedAt,
	}
}

func interactionFromModel(m InteractionLogModel) domain.InteractionLog {
	return domain.InteractionLog{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		Step:           m.Step,
		RequestSummary: m.RequestSummary,
		InputTokens:    m.InputTokens,
		OutputTokens:   m.OutputTokens,
		Success:        m.Success,
		ErrorMessage:   m.ErrorMessage,
		DurationMS:     m.DurationMS,
		CreatedAt:      m.CreatedAt,
	}
}
