package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"bookflow/internal/util"
	"bookflow/pkg/domain"
	"bookflow/pkg/lock"
	"bookflow/pkg/storage"
	"bookflow/pkg/store"
)

const (
	metaLastStage = "last_stage"

	stageExtract   = "extract"
	stageNormalize = "normalize"
	stageTemplate  = "apply_template"
	stageApprove   = "approve"
)

var pdfMagic = []byte("%PDF-")

// Config holds runtime configuration for the pipeline service.
type Config struct {
	Store      store.Store
	Objects    storage.ObjectStore
	Locks      lock.Locker
	Extractor  Extractor
	Normalizer Normalizer
	Renderer   Renderer
	Resolver   TemplateResolver

	MaxUploadBytes  int64
	ExtractBudget   time.Duration
	NormalizeBudget time.Duration
	RenderBudget    time.Duration

	// AutoChain makes a successful upload start extraction, and a successful
	// extraction start normalization, without further client calls. The
	// explicit extract/normalize operations remain the retry entry points.
	AutoChain bool

	Logger *slog.Logger
}

// Pipeline drives manuscript projects through the processing lifecycle. All
// stage executions run in the background; the synchronous surface only
// validates, flips status, and returns.
type Pipeline struct {
	store      store.Store
	objects    storage.ObjectStore
	locks      lock.Locker
	extractor  Extractor
	normalizer Normalizer
	renderer   Renderer
	resolver   TemplateResolver
	log        *slog.Logger

	maxUploadBytes  int64
	extractBudget   time.Duration
	normalizeBudget time.Duration
	renderBudget    time.Duration
	autoChain       bool
	previewExpiry   time.Duration
	downloadExpiry  time.Duration
}

// New constructs the pipeline service.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Extractor == nil || cfg.Normalizer == nil || cfg.Renderer == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("stage executors required")
	}
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewMemoryLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 100 << 20
	}
	p := &Pipeline{
		store:           cfg.Store,
		objects:         cfg.Objects,
		locks:           locks,
		extractor:       cfg.Extractor,
		normalizer:      cfg.Normalizer,
		renderer:        cfg.Renderer,
		resolver:        cfg.Resolver,
		log:             logger,
		maxUploadBytes:  maxUpload,
		extractBudget:   durationOr(cfg.ExtractBudget, 5*time.Minute),
		normalizeBudget: durationOr(cfg.NormalizeBudget, 120*time.Second),
		renderBudget:    durationOr(cfg.RenderBudget, 5*time.Minute),
		autoChain:       cfg.AutoChain,
		previewExpiry:   time.Hour,
		downloadExpiry:  24 * time.Hour,
	}
	return p, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// CreateProject registers an empty project owned by the given user.
func (p *Pipeline) CreateProject(owner domain.User, title string) (domain.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Project{}, validationf("title required")
	}
	now := time.Now().UTC()
	project := domain.Project{
		ID:        util.NewID(),
		OwnerID:   owner.ID,
		Title:     title,
		Status:    domain.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.SaveProject(project); err != nil {
		return domain.Project{}, fmt.Errorf("save project: %w", err)
	}
	return project, nil
}

// GetProject retrieves a project by ID.
func (p *Pipeline) GetProject(id string) (domain.Project, bool, error) {
	return p.store.GetProject(id)
}

// ListProjects returns all projects for the current user scope.
func (p *Pipeline) ListProjects(user domain.User) ([]domain.Project, error) {
	if user.Role == domain.RoleAdmin {
		return p.store.ListProjects()
	}
	return p.store.ListProjectsByOwner(user.ID)
}

// GetStructure retrieves the project's extracted/normalized structure.
func (p *Pipeline) GetStructure(projectID string) (domain.Structure, bool, error) {
	return p.store.GetStructure(projectID)
}

// ListInteractions returns the project's model-interaction ledger, newest
// first.
func (p *Pipeline) ListInteractions(projectID string) ([]domain.InteractionLog, error) {
	return p.store.ListInteractions(projectID)
}

// UploadManuscript stores a manuscript PDF for the project and resets all
// downstream state. Allowed only before processing has started or after a
// failure; a re-upload replaces the previous file wholesale.
func (p *Pipeline) UploadManuscript(ctx context.Context, projectID, filename string, data []byte) (domain.Upload, error) {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return domain.Upload{}, err
	}
	if !ok {
		return domain.Upload{}, ErrProjectNotFound
	}
	if project.Status.InFlight() {
		return domain.Upload{}, &BusyError{ProjectID: projectID, Op: "upload"}
	}
	switch project.Status {
	case domain.StatusCreated, domain.StatusError:
	default:
		return domain.Upload{}, validationf("upload not allowed in status %s", project.Status)
	}
	if strings.ToLower(filepath.Ext(filename)) != ".pdf" {
		return domain.Upload{}, validationf("only PDF manuscripts are accepted")
	}
	if int64(len(data)) > p.maxUploadBytes {
		return domain.Upload{}, validationf("file exceeds %d MB limit", p.maxUploadBytes>>20)
	}
	if len(data) < len(pdfMagic) || !bytes.HasPrefix(data, pdfMagic) {
		return domain.Upload{}, validationf("file is not a valid PDF")
	}

	sum := sha256.Sum256(data)
	pageCount := countPDFPages(data)

	storagePath := buildOriginalPath(projectID, filename)
	if err := p.objects.Put(ctx, storagePath, bytes.NewReader(data), int64(len(data)), "application/pdf"); err != nil {
		return domain.Upload{}, fmt.Errorf("save file: %w", err)
	}

	now := time.Now().UTC()
	upload := domain.Upload{
		ID:               util.NewID(),
		ProjectID:        projectID,
		OriginalFilename: filepath.Base(filename),
		StoragePath:      storagePath,
		SizeBytes:        int64(len(data)),
		Checksum:         hex.EncodeToString(sum[:]),
		PageCount:        pageCount,
		CreatedAt:        now,
	}
	if err := p.store.ReplaceUpload(upload); err != nil {
		_ = p.objects.Delete(ctx, storagePath)
		return domain.Upload{}, fmt.Errorf("save upload: %w", err)
	}
	project.OriginalFilename = upload.OriginalFilename
	project.UpdatedAt = now
	if err := p.store.SaveProject(project); err != nil {
		return domain.Upload{}, fmt.Errorf("save project: %w", err)
	}
	if err := p.store.SetProjectStatus(projectID, domain.StatusUploaded, ""); err != nil {
		return domain.Upload{}, fmt.Errorf("set status: %w", err)
	}

	if p.autoChain {
		if err := p.Extract(ctx, projectID); err != nil {
			p.log.Warn("auto extract rejected", "project_id", projectID, "error", err)
		}
	}
	return upload, nil
}

// Extract starts extraction in the background. Allowed from uploaded, or
// from error when extraction was the stage that failed.
func (p *Pipeline) Extract(ctx context.Context, projectID string) error {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrProjectNotFound
	}
	if err := p.guardStage(project, stageExtract, domain.StatusUploaded); err != nil {
		return err
	}
	upload, ok, err := p.store.GetUpload(projectID)
	if err != nil {
		return err
	}
	if !ok {
		return validationf("no manuscript uploaded")
	}
	token, acquired, err := p.locks.Acquire(ctx, projectID)
	if err != nil {
		return fmt.Errorf("acquire stage lease: %w", err)
	}
	if !acquired {
		return &BusyError{ProjectID: projectID, Op: stageExtract}
	}
	if err := p.store.SetProjectStatus(projectID, domain.StatusExtracting, ""); err != nil {
		_ = p.locks.Release(ctx, projectID, token)
		return fmt.Errorf("set status: %w", err)
	}
	go p.runExtract(projectID, upload, token)
	return nil
}

func (p *Pipeline) runExtract(projectID string, upload domain.Upload, token string) {
	applied := p.extractStage(projectID, upload, token)

	// The chain step starts only after extractStage has returned and its
	// deferred release freed the lease, or Normalize would see it held.
	if applied && p.autoChain {
		if err := p.Normalize(context.Background(), projectID); err != nil {
			p.log.Warn("auto normalize rejected", "project_id", projectID, "error", err)
		}
	}
}

// extractStage runs one extraction attempt and reports whether its result
// was applied. The stage lease is released before it returns.
func (p *Pipeline) extractStage(projectID string, upload domain.Upload, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.extractBudget)
	defer cancel()
	defer p.release(projectID, token)
	defer p.recoverStage(projectID, domain.StatusExtracting, stageExtract)

	start := time.Now()
	data, err := p.objects.Get(ctx, upload.StoragePath)
	if err != nil {
		p.failProject(projectID, domain.StatusExtracting, stageExtract, fmt.Errorf("read manuscript: %w", err))
		return false
	}
	result, err := p.extractor.Extract(ctx, ExtractInput{ProjectID: projectID, Filename: upload.OriginalFilename, Data: data})
	if err != nil {
		p.failProject(projectID, domain.StatusExtracting, stageExtract, err)
		return false
	}

	// The stage may have been superseded while it ran; the conditional
	// status flip claims the result, and the structure write follows only
	// when the claim holds, so a lost race writes nothing.
	applied, err := p.store.CASProjectStatus(projectID, domain.StatusExtracting, domain.StatusParsed, "")
	if err != nil {
		p.log.Error("extract status update failed", "project_id", projectID, "error", err)
		return false
	}
	if !applied {
		p.log.Info("extract result discarded", "project_id", projectID)
		return false
	}
	structure := domain.Structure{
		ID:        util.NewID(),
		ProjectID: projectID,
		RawText:   result.RawText,
		RawHTML:   result.RawHTML,
		Content:   result.Content,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.SaveExtraction(structure); err != nil {
		p.failProject(projectID, domain.StatusParsed, stageExtract, fmt.Errorf("save structure: %w", err))
		return false
	}
	p.log.Info("extract done", "project_id", projectID, "pages", result.PageCount, "duration_ms", time.Since(start).Milliseconds())
	return true
}

// Normalize starts normalization in the background. Allowed from parsed, or
// from error when normalization was the stage that failed; in the retry case
// the preserved extraction output is reused.
func (p *Pipeline) Normalize(ctx context.Context, projectID string) error {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrProjectNotFound
	}
	if err := p.guardStage(project, stageNormalize, domain.StatusParsed); err != nil {
		return err
	}
	structure, ok, err := p.store.GetStructure(projectID)
	if err != nil {
		return err
	}
	if !ok || strings.TrimSpace(structure.RawText) == "" {
		return ErrPipelineNotReady
	}
	token, acquired, err := p.locks.Acquire(ctx, projectID)
	if err != nil {
		return fmt.Errorf("acquire stage lease: %w", err)
	}
	if !acquired {
		return &BusyError{ProjectID: projectID, Op: stageNormalize}
	}
	if err := p.store.SetProjectStatus(projectID, domain.StatusNormalizing, ""); err != nil {
		_ = p.locks.Release(ctx, projectID, token)
		return fmt.Errorf("set status: %w", err)
	}
	go p.runNormalize(projectID, project.Title, structure, token)
	return nil
}

func (p *Pipeline) runNormalize(projectID, title string, structure domain.Structure, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.normalizeBudget)
	defer cancel()
	defer p.release(projectID, token)
	defer p.recoverStage(projectID, domain.StatusNormalizing, stageNormalize)

	start := time.Now()
	result, err := p.normalizer.Normalize(ctx, NormalizeInput{
		ProjectID: projectID,
		Title:     title,
		RawText:   structure.RawText,
		RawHTML:   structure.RawHTML,
		Content:   structure.Content,
	})
	if err != nil {
		p.failProject(projectID, domain.StatusNormalizing, stageNormalize, err)
		return
	}

	current, ok, err := p.store.GetProject(projectID)
	if err != nil || !ok || current.Status != domain.StatusNormalizing {
		p.log.Info("normalize result discarded", "project_id", projectID)
		return
	}
	if err := p.store.SaveNormalization(projectID, result.Content, result.NormalizedHTML, result.WordCount, result.ChapterCount, result.ImageCount); err != nil {
		p.failProject(projectID, domain.StatusNormalizing, stageNormalize, fmt.Errorf("save normalization: %w", err))
		return
	}
	if detected := strings.TrimSpace(result.Content.Title); detected != "" && detected != current.Title {
		current.Title = detected
		current.UpdatedAt = time.Now().UTC()
		if err := p.store.SaveProject(current); err != nil {
			p.log.Warn("title update failed", "project_id", projectID, "error", err)
		}
	}
	applied, err := p.store.CASProjectStatus(projectID, domain.StatusNormalizing, domain.StatusNormalized, "")
	if err != nil {
		p.log.Error("normalize status update failed", "project_id", projectID, "error", err)
		return
	}
	if !applied {
		p.log.Info("normalize result discarded", "project_id", projectID)
		return
	}
	p.log.Info("normalize done", "project_id", projectID,
		"chapters", result.ChapterCount, "words", result.WordCount,
		"duration_ms", time.Since(start).Milliseconds())
}

// DeleteProject removes a project, its artifacts, and its stored objects.
// Ledger entries survive with their project reference cleared.
func (p *Pipeline) DeleteProject(ctx context.Context, projectID string) error {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if project.Status.InFlight() {
		return &BusyError{ProjectID: projectID, Op: "delete"}
	}
	if upload, ok, err := p.store.GetUpload(projectID); err == nil && ok {
		_ = p.objects.Delete(ctx, upload.StoragePath)
	}
	renditions, err := p.store.ListRenditions(projectID)
	if err == nil {
		for _, r := range renditions {
			if r.PreviewPath != "" {
				_ = p.objects.Delete(ctx, r.PreviewPath)
			}
			if r.FinalPath != "" {
				_ = p.objects.Delete(ctx, r.FinalPath)
			}
		}
	}
	return p.store.DeleteProject(projectID)
}

// guardStage admits a stage start from its normal source status, or from
// error when this stage is the one recorded as having failed.
func (p *Pipeline) guardStage(project domain.Project, stage string, from domain.ProjectStatus) error {
	if project.Status.InFlight() {
		return &BusyError{ProjectID: project.ID, Op: stage}
	}
	if project.Status == from {
		return nil
	}
	if project.Status == domain.StatusError && project.Metadata[metaLastStage] == stage {
		return nil
	}
	return validationf("%s not allowed in status %s", stage, project.Status)
}

// failProject records a stage failure: status flips to error with the
// failure message, and the failed stage is remembered so a retry of the same
// transition is admitted.
func (p *Pipeline) failProject(projectID string, from domain.ProjectStatus, stage string, cause error) {
	p.log.Error("stage failed", "project_id", projectID, "stage", stage, "error", cause)
	if err := p.store.SetProjectMeta(projectID, metaLastStage, stage); err != nil {
		p.log.Error("record failed stage", "project_id", projectID, "error", err)
	}
	applied, err := p.store.CASProjectStatus(projectID, from, domain.StatusError, cause.Error())
	if err != nil {
		p.log.Error("set error status", "project_id", projectID, "error", err)
		return
	}
	if !applied {
		p.log.Info("stage failure discarded", "project_id", projectID, "stage", stage)
	}
}

func (p *Pipeline) recoverStage(projectID string, from domain.ProjectStatus, stage string) {
	if r := recover(); r != nil {
		p.failProject(projectID, from, stage, fmt.Errorf("panic: %v", r))
	}
}

func (p *Pipeline) release(projectID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Release(ctx, projectID, token); err != nil {
		p.log.Warn("release stage lease", "project_id", projectID, "error", err)
	}
}

func countPDFPages(data []byte) int {
	defer func() { recover() }()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return reader.NumPage()
}

func buildOriginalPath(projectID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "manuscript.pdf"
	}
	return path.Join("projects", projectID, "original", name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
