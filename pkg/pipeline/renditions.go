package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"bookflow/internal/util"
	"bookflow/pkg/domain"
)

// ApplyTemplate creates a new rendition for the project under the named
// template, renders its preview, and promotes it to current. The previous
// current rendition is demoted but never mutated otherwise; history is
// retained. Runs synchronously and returns the completed rendition.
func (p *Pipeline) ApplyTemplate(ctx context.Context, projectID, templateKey string) (domain.Rendition, error) {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return domain.Rendition{}, err
	}
	if !ok {
		return domain.Rendition{}, ErrProjectNotFound
	}
	if project.Status.InFlight() {
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageTemplate}
	}
	// A failed apply_template leaves the project status untouched (the
	// rendition row carries the error), so error is never an entry state
	// here; retrying is just another apply_template call.
	switch project.Status {
	case domain.StatusNormalized, domain.StatusTemplated, domain.StatusApproved:
	default:
		return domain.Rendition{}, validationf("apply_template not allowed in status %s", project.Status)
	}

	structure, ok, err := p.store.GetStructure(projectID)
	if err != nil {
		return domain.Rendition{}, err
	}
	if !ok || !structure.Normalized() {
		return domain.Rendition{}, ErrPipelineNotReady
	}
	tpl, ok, err := p.store.GetTemplateByKey(templateKey)
	if err != nil {
		return domain.Rendition{}, err
	}
	if !ok || !tpl.IsActive {
		return domain.Rendition{}, ErrTemplateNotFound
	}
	if current, ok, err := p.store.GetCurrentRendition(projectID); err != nil {
		return domain.Rendition{}, err
	} else if ok && current.Status.InFlight() {
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageTemplate}
	}

	token, acquired, err := p.locks.Acquire(ctx, projectID)
	if err != nil {
		return domain.Rendition{}, fmt.Errorf("acquire stage lease: %w", err)
	}
	if !acquired {
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageTemplate}
	}
	defer p.release(projectID, token)

	now := time.Now().UTC()
	rendition := domain.Rendition{
		ID:          util.NewID(),
		ProjectID:   projectID,
		TemplateID:  tpl.ID,
		TemplateKey: tpl.Key,
		Status:      domain.RenditionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.CreateRendition(rendition); err != nil {
		return domain.Rendition{}, fmt.Errorf("create rendition: %w", err)
	}
	if err := p.store.SetRenditionStatus(rendition.ID, domain.RenditionPreviewGenerating, ""); err != nil {
		return domain.Rendition{}, fmt.Errorf("set rendition status: %w", err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, p.renderBudget)
	defer cancel()
	start := time.Now()

	html, err := p.resolver.Resolve(structure.Content, tpl)
	if err != nil {
		return domain.Rendition{}, p.failRendition(rendition.ID, NewStageError(stageTemplate, FailLayout, err))
	}
	result, err := p.renderer.Render(renderCtx, RenderInput{
		ProjectID: projectID,
		Title:     project.Title,
		HTML:      html,
		Mode:      RenderPreview,
	})
	if err != nil {
		return domain.Rendition{}, p.failRendition(rendition.ID, err)
	}

	previewPath := path.Join("projects", projectID, "renditions", rendition.ID, "preview.html")
	if err := p.objects.Put(ctx, previewPath, strings.NewReader(string(result.Data)), int64(len(result.Data)), "text/html; charset=utf-8"); err != nil {
		return domain.Rendition{}, p.failRendition(rendition.ID, fmt.Errorf("save preview: %w", err))
	}
	duration := result.Duration
	if duration <= 0 {
		duration = time.Since(start)
	}
	if err := p.store.CompletePreview(rendition.ID, previewPath, result.PageCount, duration.Milliseconds()); err != nil {
		return domain.Rendition{}, fmt.Errorf("complete preview: %w", err)
	}
	if err := p.store.PromoteRendition(projectID, rendition.ID); err != nil {
		return domain.Rendition{}, fmt.Errorf("promote rendition: %w", err)
	}
	if err := p.store.SetProjectStatus(projectID, domain.StatusTemplated, ""); err != nil {
		return domain.Rendition{}, fmt.Errorf("set status: %w", err)
	}

	out, ok, err := p.store.GetRendition(rendition.ID)
	if err != nil {
		return domain.Rendition{}, err
	}
	if !ok {
		return domain.Rendition{}, fmt.Errorf("rendition %s vanished", rendition.ID)
	}
	p.log.Info("preview rendered", "project_id", projectID, "rendition_id", rendition.ID,
		"template", tpl.Key, "pages", result.PageCount, "duration_ms", duration.Milliseconds())
	return out, nil
}

// failRendition records a preview failure on the rendition row and on the
// project, then returns the cause for the caller to surface.
func (p *Pipeline) failRendition(renditionID string, cause error) error {
	if err := p.store.SetRenditionStatus(renditionID, domain.RenditionError, cause.Error()); err != nil {
		p.log.Error("set rendition error status", "rendition_id", renditionID, "error", err)
	}
	return cause
}

// Approve finalizes the project's current rendition: the final render runs
// in the background and, on success, the project reaches exported. Calling
// approve on an already finalized rendition is a no-op returning it as is.
func (p *Pipeline) Approve(ctx context.Context, projectID string) (domain.Rendition, error) {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return domain.Rendition{}, err
	}
	if !ok {
		return domain.Rendition{}, ErrProjectNotFound
	}
	if project.Status.InFlight() {
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageApprove}
	}
	rendition, ok, err := p.store.GetCurrentRendition(projectID)
	if err != nil {
		return domain.Rendition{}, err
	}
	if !ok {
		return domain.Rendition{}, validationf("no rendition to approve; apply a template first")
	}
	if rendition.Status == domain.RenditionPDFGenerated && rendition.FinalPath != "" {
		return rendition, nil
	}
	if rendition.Status.InFlight() {
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageApprove}
	}

	// The normal entry is a previewed rendition; the retry entry is a
	// rendition whose final render failed but whose preview artifact is
	// still in place.
	switch {
	case rendition.Status == domain.RenditionPreviewGenerated:
	case rendition.Status == domain.RenditionError && rendition.PreviewPath != "":
	default:
		return domain.Rendition{}, validationf("current rendition not previewed (status %s)", rendition.Status)
	}
	switch project.Status {
	case domain.StatusTemplated, domain.StatusApproved:
	case domain.StatusError:
		if project.Metadata[metaLastStage] != stageApprove {
			return domain.Rendition{}, validationf("approve not allowed in status %s", project.Status)
		}
	default:
		return domain.Rendition{}, validationf("approve not allowed in status %s", project.Status)
	}

	token, acquired, err := p.locks.Acquire(ctx, projectID)
	if err != nil {
		return domain.Rendition{}, fmt.Errorf("acquire stage lease: %w", err)
	}
	if !acquired {
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageApprove}
	}

	claimed, err := p.store.CASRenditionStatus(rendition.ID, rendition.Status, domain.RenditionPDFGenerating)
	if err != nil {
		_ = p.locks.Release(ctx, projectID, token)
		return domain.Rendition{}, fmt.Errorf("claim rendition: %w", err)
	}
	if !claimed {
		_ = p.locks.Release(ctx, projectID, token)
		return domain.Rendition{}, &BusyError{ProjectID: projectID, Op: stageApprove}
	}
	if err := p.store.SetProjectStatus(projectID, domain.StatusApproved, ""); err != nil {
		_ = p.locks.Release(ctx, projectID, token)
		return domain.Rendition{}, fmt.Errorf("set status: %w", err)
	}
	if err := p.store.SetProjectStatus(projectID, domain.StatusExporting, ""); err != nil {
		_ = p.locks.Release(ctx, projectID, token)
		return domain.Rendition{}, fmt.Errorf("set status: %w", err)
	}

	go p.runFinalRender(projectID, project.Title, rendition, token)

	out, _, err := p.store.GetRendition(rendition.ID)
	if err != nil {
		return domain.Rendition{}, err
	}
	return out, nil
}

func (p *Pipeline) runFinalRender(projectID, title string, rendition domain.Rendition, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.renderBudget)
	defer cancel()
	defer p.release(projectID, token)
	defer p.recoverStage(projectID, domain.StatusExporting, stageApprove)

	html, err := p.objects.Get(ctx, rendition.PreviewPath)
	if err != nil {
		p.failFinal(projectID, rendition.ID, fmt.Errorf("read preview artifact: %w", err))
		return
	}
	start := time.Now()
	result, err := p.renderer.Render(ctx, RenderInput{
		ProjectID: projectID,
		Title:     title,
		HTML:      string(html),
		Mode:      RenderFinal,
	})
	if err != nil {
		p.failFinal(projectID, rendition.ID, err)
		return
	}
	finalPath := path.Join("projects", projectID, "renditions", rendition.ID, "book.pdf")
	if err := p.objects.Put(ctx, finalPath, strings.NewReader(string(result.Data)), int64(len(result.Data)), "application/pdf"); err != nil {
		p.failFinal(projectID, rendition.ID, fmt.Errorf("save final output: %w", err))
		return
	}
	duration := result.Duration
	if duration <= 0 {
		duration = time.Since(start)
	}
	approvedAt := time.Now().UTC()
	if err := p.store.CompleteFinal(rendition.ID, finalPath, result.PageCount, int64(len(result.Data)), duration.Milliseconds(), approvedAt); err != nil {
		p.failFinal(projectID, rendition.ID, fmt.Errorf("complete final: %w", err))
		return
	}
	applied, err := p.store.CASProjectStatus(projectID, domain.StatusExporting, domain.StatusExported, "")
	if err != nil {
		p.log.Error("export status update failed", "project_id", projectID, "error", err)
		return
	}
	if !applied {
		p.log.Info("final render result discarded", "project_id", projectID, "rendition_id", rendition.ID)
		return
	}
	p.log.Info("final render done", "project_id", projectID, "rendition_id", rendition.ID,
		"pages", result.PageCount, "bytes", len(result.Data), "duration_ms", duration.Milliseconds())
}

func (p *Pipeline) failFinal(projectID, renditionID string, cause error) {
	if err := p.store.SetRenditionStatus(renditionID, domain.RenditionError, cause.Error()); err != nil {
		p.log.Error("set rendition error status", "rendition_id", renditionID, "error", err)
	}
	p.failProject(projectID, domain.StatusExporting, stageApprove, cause)
}

// ListTemplates returns the styling catalog. Inactive templates are retired
// from the catalog but remain referenced by historical renditions.
func (p *Pipeline) ListTemplates(activeOnly bool) ([]domain.Template, error) {
	return p.store.ListTemplates(activeOnly)
}

// ListRenditions returns the project's full rendition history, newest first.
func (p *Pipeline) ListRenditions(projectID string) ([]domain.Rendition, error) {
	return p.store.ListRenditions(projectID)
}

// CurrentPreview returns the project's current rendition and a short-lived
// URL for its preview artifact.
func (p *Pipeline) CurrentPreview(ctx context.Context, projectID string) (domain.Rendition, string, error) {
	rendition, ok, err := p.store.GetCurrentRendition(projectID)
	if err != nil {
		return domain.Rendition{}, "", err
	}
	if !ok || rendition.PreviewPath == "" {
		return domain.Rendition{}, "", validationf("no preview available; apply a template first")
	}
	url, err := p.objects.PresignGet(ctx, rendition.PreviewPath, p.previewExpiry)
	if err != nil {
		return domain.Rendition{}, "", err
	}
	return rendition, url, nil
}

// ExportStatus reports the project together with its current rendition, if
// any, for export polling.
func (p *Pipeline) ExportStatus(projectID string) (domain.Project, *domain.Rendition, error) {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	if !ok {
		return domain.Project{}, nil, ErrProjectNotFound
	}
	rendition, ok, err := p.store.GetCurrentRendition(projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	if !ok {
		return project, nil, nil
	}
	return project, &rendition, nil
}

// DownloadLink returns an attachment URL for the exported book, valid for
// 24 hours; preview links stay short-lived.
func (p *Pipeline) DownloadLink(ctx context.Context, projectID string) (string, string, error) {
	project, ok, err := p.store.GetProject(projectID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", ErrProjectNotFound
	}
	rendition, ok, err := p.store.GetCurrentRendition(projectID)
	if err != nil {
		return "", "", err
	}
	if !ok || rendition.FinalPath == "" || rendition.Status != domain.RenditionPDFGenerated {
		return "", "", validationf("no exported output; approve the preview first")
	}
	filename := sanitizeFilename(project.Title)
	if filename == "" {
		filename = "book"
	}
	filename += ".pdf"
	url, err := p.objects.PresignDownload(ctx, rendition.FinalPath, filename, p.downloadExpiry)
	if err != nil {
		return "", "", err
	}
	return url, filename, nil
}
