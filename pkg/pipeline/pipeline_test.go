package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"bookflow/pkg/domain"
	"bookflow/pkg/lock"
	"bookflow/pkg/store"
	"bookflow/pkg/template"
)

type fakeExtractor struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	content domain.BookContent
}

func (f *fakeExtractor) Extract(ctx context.Context, in ExtractInput) (ExtractResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ExtractResult{}, NewStageError("extract", FailExtraction, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ExtractResult{}, f.err
	}
	content := f.content
	if len(content.Chapters) == 0 {
		content = domain.BookContent{
			Title: "A Test Book",
			Chapters: []domain.Chapter{{
				Title: "Chapter 1", Level: 1,
				Blocks: []domain.Block{{Type: domain.BlockParagraph, Text: "hello world"}},
			}},
		}
	}
	return ExtractResult{
		RawText:   "hello world",
		RawHTML:   "<html><body><p>hello world</p></body></html>",
		Content:   content,
		PageCount: 3,
	}, nil
}

type fakeNormalizer struct {
	mu  sync.Mutex
	err error
}

func (f *fakeNormalizer) Normalize(ctx context.Context, in NormalizeInput) (NormalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return NormalizeResult{}, f.err
	}
	content := in.Content
	if content.Title == "" {
		content.Title = in.Title
	}
	return NormalizeResult{
		Content:        content,
		NormalizedHTML: "<!DOCTYPE html><html><body><p class=\"paragraph\">hello world</p></body></html>",
		WordCount:      2,
		ChapterCount:   len(content.Chapters),
	}, nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	finalErr error
}

func (f *fakeRenderer) Render(ctx context.Context, in RenderInput) (RenderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Mode == RenderPreview {
		return RenderResult{Data: []byte(in.HTML), ContentType: "text/html; charset=utf-8", PageCount: 3, Duration: 5 * time.Millisecond}, nil
	}
	if f.finalErr != nil {
		return RenderResult{}, f.finalErr
	}
	return RenderResult{Data: []byte("%PDF-1.7 rendered"), ContentType: "application/pdf", PageCount: 10, Duration: 7 * time.Millisecond}, nil
}

type testEnv struct {
	pipeline   *Pipeline
	store      *store.MemoryStore
	objects    *memObjects
	locks      *lock.MemoryLocker
	extractor  *fakeExtractor
	normalizer *fakeNormalizer
	renderer   *fakeRenderer
}

// memObjects is the object-store fake actually used by the tests.
type memObjects struct {
	mu             sync.Mutex
	objects        map[string][]byte
	previewExpiry  time.Duration
	downloadExpiry time.Duration
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	m.previewExpiry = expiry
	m.mu.Unlock()
	return "https://objects.test/" + key, nil
}

func (m *memObjects) PresignDownload(_ context.Context, key, filename string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	m.downloadExpiry = expiry
	m.mu.Unlock()
	return "https://objects.test/" + key + "?filename=" + filename, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func newTestEnv(t *testing.T, autoChain bool) *testEnv {
	t.Helper()
	dataStore := store.NewMemoryStore()
	if err := dataStore.SeedTemplates(template.Catalog()); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	env := &testEnv{
		store:      dataStore,
		objects:    &memObjects{objects: map[string][]byte{}},
		locks:      lock.NewMemoryLocker(),
		extractor:  &fakeExtractor{},
		normalizer: &fakeNormalizer{},
		renderer:   &fakeRenderer{},
	}
	p, err := New(Config{
		Store:      dataStore,
		Objects:    env.objects,
		Locks:      env.locks,
		Extractor:  env.extractor,
		Normalizer: env.normalizer,
		Renderer:   env.renderer,
		Resolver:   template.NewResolver(),
		AutoChain:  autoChain,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	env.pipeline = p
	return env
}

func pdfBytes() []byte {
	return []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF")
}

func testUser() domain.User {
	return domain.User{ID: "u1", Role: domain.RoleUser}
}

func waitStatus(t *testing.T, s store.Store, id string, want domain.ProjectStatus) domain.Project {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last domain.Project
	for time.Now().Before(deadline) {
		p, ok, err := s.GetProject(id)
		if err != nil || !ok {
			t.Fatalf("get project: ok=%v err=%v", ok, err)
		}
		last = p
		if p.Status == want {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("project never reached %s, stuck at %s (%s)", want, last.Status, last.ErrorMessage)
	return domain.Project{}
}

// uploadAndNormalize drives a fresh project through extract and normalize.
func uploadAndNormalize(t *testing.T, env *testEnv) domain.Project {
	t.Helper()
	ctx := context.Background()
	project, err := env.pipeline.CreateProject(testUser(), "My Manuscript")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "draft.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusParsed)
	if err := env.pipeline.Normalize(ctx, project.ID); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return waitStatus(t, env.store, project.ID, domain.StatusNormalized)
}

func TestScenarioUploadExtractNormalize(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)

	if project.ErrorMessage != "" {
		t.Fatalf("unexpected error message %q", project.ErrorMessage)
	}
	upload, ok, err := env.store.GetUpload(project.ID)
	if err != nil || !ok {
		t.Fatalf("upload record: ok=%v err=%v", ok, err)
	}
	if upload.Checksum == "" || upload.SizeBytes != int64(len(pdfBytes())) {
		t.Fatalf("upload metadata incomplete: %+v", upload)
	}
	structure, ok, err := env.store.GetStructure(project.ID)
	if err != nil || !ok {
		t.Fatalf("structure: ok=%v err=%v", ok, err)
	}
	if !structure.Normalized() {
		t.Fatalf("structure not normalized: %+v", structure)
	}
	if structure.ChapterCount != 1 || structure.WordCount != 2 {
		t.Fatalf("counts = %d chapters, %d words", structure.ChapterCount, structure.WordCount)
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	project, _ := env.pipeline.CreateProject(testUser(), "T")

	cases := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"wrong extension", "draft.docx", pdfBytes()},
		{"not a pdf", "draft.pdf", []byte("plain text")},
		{"empty", "draft.pdf", nil},
	}
	for _, tc := range cases {
		_, err := env.pipeline.UploadManuscript(ctx, project.ID, tc.filename, tc.data)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
	// project state untouched by rejected uploads
	p, _, _ := env.store.GetProject(project.ID)
	if p.Status != domain.StatusCreated {
		t.Fatalf("status changed by rejected upload: %s", p.Status)
	}
}

func TestCreateProjectRequiresTitle(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.pipeline.CreateProject(testUser(), "   ")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestBusyRejectionWhileStageInFlight(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.extractor.block = make(chan struct{})

	project, _ := env.pipeline.CreateProject(testUser(), "T")
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "draft.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusExtracting)

	var busy *BusyError
	if err := env.pipeline.Extract(ctx, project.ID); !errors.As(err, &busy) {
		t.Fatalf("second extract: expected BusyError, got %v", err)
	}
	if err := env.pipeline.Normalize(ctx, project.ID); !errors.As(err, &busy) {
		t.Fatalf("normalize while extracting: expected BusyError, got %v", err)
	}
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "v2.pdf", pdfBytes()); !errors.As(err, &busy) {
		t.Fatalf("upload while extracting: expected BusyError, got %v", err)
	}
	if err := env.pipeline.DeleteProject(ctx, project.ID); !errors.As(err, &busy) {
		t.Fatalf("delete while extracting: expected BusyError, got %v", err)
	}

	close(env.extractor.block)
	waitStatus(t, env.store, project.ID, domain.StatusParsed)
}

func TestScenarioApplyTemplate(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)

	rendition, err := env.pipeline.ApplyTemplate(context.Background(), project.ID, "classic")
	if err != nil {
		t.Fatalf("apply template: %v", err)
	}
	if rendition.Status != domain.RenditionPreviewGenerated {
		t.Fatalf("rendition status = %s", rendition.Status)
	}
	if !rendition.IsCurrent {
		t.Fatalf("rendition not current")
	}
	if rendition.PageCount == 0 || rendition.PreviewPath == "" {
		t.Fatalf("preview metadata incomplete: %+v", rendition)
	}
	p, _, _ := env.store.GetProject(project.ID)
	if p.Status != domain.StatusTemplated {
		t.Fatalf("project status = %s", p.Status)
	}
	preview, err := env.objects.Get(context.Background(), rendition.PreviewPath)
	if err != nil {
		t.Fatalf("preview artifact: %v", err)
	}
	if !strings.Contains(string(preview), "<!DOCTYPE html>") {
		t.Fatalf("preview artifact not an HTML document")
	}
}

func TestApplyTemplateTwiceKeepsHistory(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	ctx := context.Background()

	first, err := env.pipeline.ApplyTemplate(ctx, project.ID, "classic")
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := env.pipeline.ApplyTemplate(ctx, project.ID, "classic")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("re-apply must create a new rendition")
	}
	renditions, err := env.store.ListRenditions(project.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) != 2 {
		t.Fatalf("rendition history = %d", len(renditions))
	}
	currents := 0
	for _, r := range renditions {
		if r.IsCurrent {
			currents++
			if r.ID != second.ID {
				t.Fatalf("wrong rendition current: %s", r.ID)
			}
		}
	}
	if currents != 1 {
		t.Fatalf("current renditions = %d", currents)
	}
	// the superseded rendition stays queryable, untouched except demotion
	old, ok, _ := env.store.GetRendition(first.ID)
	if !ok || old.Status != domain.RenditionPreviewGenerated {
		t.Fatalf("superseded rendition mutated: %+v", old)
	}
}

func TestApplyTemplateGuards(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	project, _ := env.pipeline.CreateProject(testUser(), "T")

	var verr *ValidationError
	if _, err := env.pipeline.ApplyTemplate(ctx, project.ID, "classic"); !errors.As(err, &verr) {
		t.Fatalf("apply before normalized: expected ValidationError, got %v", err)
	}

	normalized := uploadAndNormalize(t, env)
	if _, err := env.pipeline.ApplyTemplate(ctx, normalized.ID, "no-such-template"); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("unknown template: expected ErrTemplateNotFound, got %v", err)
	}

	// error is never an entry state for apply_template: a failed apply
	// leaves the project status untouched, so even a manufactured
	// error+last_stage combination is rejected.
	if err := env.store.SetProjectMeta(normalized.ID, metaLastStage, stageTemplate); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := env.store.SetProjectStatus(normalized.ID, domain.StatusError, "boom"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.pipeline.ApplyTemplate(ctx, normalized.ID, "classic"); !errors.As(err, &verr) {
		t.Fatalf("apply from error: expected ValidationError, got %v", err)
	}
}

func TestScenarioApproveExports(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	ctx := context.Background()

	if _, err := env.pipeline.ApplyTemplate(ctx, project.ID, "minimalist"); err != nil {
		t.Fatalf("apply template: %v", err)
	}
	if _, err := env.pipeline.Approve(ctx, project.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusExported)

	rendition, ok, _ := env.store.GetCurrentRendition(project.ID)
	if !ok {
		t.Fatalf("no current rendition")
	}
	if rendition.Status != domain.RenditionPDFGenerated {
		t.Fatalf("rendition status = %s", rendition.Status)
	}
	if rendition.ApprovedAt == nil {
		t.Fatalf("approval timestamp missing")
	}
	if rendition.FinalPath == "" || rendition.FileSizeBytes == 0 || rendition.PageCount != 10 {
		t.Fatalf("final metadata incomplete: %+v", rendition)
	}

	// approve again: idempotent, returns the finished rendition
	again, err := env.pipeline.Approve(ctx, project.ID)
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if again.ID != rendition.ID || again.Status != domain.RenditionPDFGenerated {
		t.Fatalf("re-approve returned %+v", again)
	}

	url, filename, err := env.pipeline.DownloadLink(ctx, project.ID)
	if err != nil {
		t.Fatalf("download link: %v", err)
	}
	if url == "" || !strings.HasSuffix(filename, ".pdf") {
		t.Fatalf("download link = %q %q", url, filename)
	}
}

func TestPresignExpiriesDifferByArtifact(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	ctx := context.Background()

	if _, err := env.pipeline.ApplyTemplate(ctx, project.ID, "minimalist"); err != nil {
		t.Fatalf("apply template: %v", err)
	}
	if _, _, err := env.pipeline.CurrentPreview(ctx, project.ID); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if _, err := env.pipeline.Approve(ctx, project.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusExported)
	if _, _, err := env.pipeline.DownloadLink(ctx, project.ID); err != nil {
		t.Fatalf("download link: %v", err)
	}

	env.objects.mu.Lock()
	preview, download := env.objects.previewExpiry, env.objects.downloadExpiry
	env.objects.mu.Unlock()
	if preview != time.Hour {
		t.Fatalf("preview link TTL = %s, want 1h", preview)
	}
	if download != 24*time.Hour {
		t.Fatalf("download link TTL = %s, want 24h", download)
	}
}

func TestApproveRequiresPreview(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	var verr *ValidationError
	if _, err := env.pipeline.Approve(context.Background(), project.ID); !errors.As(err, &verr) {
		t.Fatalf("approve without rendition: expected ValidationError, got %v", err)
	}
}

func TestStageFailureSetsErrorWithMessage(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.extractor.err = NewStageError("extract", FailNoText, errors.New("no extractable text"))

	project, _ := env.pipeline.CreateProject(testUser(), "T")
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "draft.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	failed := waitStatus(t, env.store, project.ID, domain.StatusError)
	if failed.ErrorMessage == "" {
		t.Fatalf("error status without message")
	}
	// upload record survives the failure for retry
	if _, ok, _ := env.store.GetUpload(project.ID); !ok {
		t.Fatalf("upload dropped on failure")
	}

	// retrying the same stage from error is admitted
	env.extractor.mu.Lock()
	env.extractor.err = nil
	env.extractor.mu.Unlock()
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("retry extract: %v", err)
	}
	recovered := waitStatus(t, env.store, project.ID, domain.StatusParsed)
	if recovered.ErrorMessage != "" {
		t.Fatalf("error message not cleared on recovery: %q", recovered.ErrorMessage)
	}
}

func TestNormalizeFailurePreservesExtraction(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	project, _ := env.pipeline.CreateProject(testUser(), "T")
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "draft.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusParsed)

	env.normalizer.mu.Lock()
	env.normalizer.err = NewStageError("normalize", FailUpstream, errors.New("model unavailable"))
	env.normalizer.mu.Unlock()
	if err := env.pipeline.Normalize(ctx, project.ID); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusError)

	structure, ok, _ := env.store.GetStructure(project.ID)
	if !ok || structure.RawText == "" {
		t.Fatalf("extraction artifacts lost on normalize failure")
	}
	if structure.Normalized() {
		t.Fatalf("failed normalization wrote output")
	}

	// a different stage may not enter from this error state
	var verr *ValidationError
	if err := env.pipeline.Extract(ctx, project.ID); !errors.As(err, &verr) {
		t.Fatalf("extract from normalize-error: expected ValidationError, got %v", err)
	}

	// retry of the failed stage succeeds without re-extracting
	env.normalizer.mu.Lock()
	env.normalizer.err = nil
	env.normalizer.mu.Unlock()
	if err := env.pipeline.Normalize(ctx, project.ID); err != nil {
		t.Fatalf("retry normalize: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusNormalized)
}

func TestFinalRenderFailureIsRetriable(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	ctx := context.Background()

	if _, err := env.pipeline.ApplyTemplate(ctx, project.ID, "business"); err != nil {
		t.Fatalf("apply template: %v", err)
	}
	env.renderer.mu.Lock()
	env.renderer.finalErr = NewStageError("render", FailResources, errors.New("render service down"))
	env.renderer.mu.Unlock()

	if _, err := env.pipeline.Approve(ctx, project.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusError)
	rendition, _, _ := env.store.GetCurrentRendition(project.ID)
	if rendition.Status != domain.RenditionError || rendition.ErrorMessage == "" {
		t.Fatalf("rendition after failure: %+v", rendition)
	}

	env.renderer.mu.Lock()
	env.renderer.finalErr = nil
	env.renderer.mu.Unlock()
	if _, err := env.pipeline.Approve(ctx, project.ID); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusExported)
}

func TestReUploadResetsDownstreamState(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.extractor.err = NewStageError("extract", FailUnreadableFile, errors.New("corrupt file"))

	project, _ := env.pipeline.CreateProject(testUser(), "T")
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "bad.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusError)

	env.extractor.mu.Lock()
	env.extractor.err = nil
	env.extractor.mu.Unlock()
	upload, err := env.pipeline.UploadManuscript(ctx, project.ID, "good.pdf", pdfBytes())
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	p := waitStatus(t, env.store, project.ID, domain.StatusUploaded)
	if p.ErrorMessage != "" {
		t.Fatalf("error message survived re-upload: %q", p.ErrorMessage)
	}
	if upload.OriginalFilename != "good.pdf" {
		t.Fatalf("upload not replaced: %+v", upload)
	}
	stored, ok, _ := env.store.GetUpload(project.ID)
	if !ok || stored.OriginalFilename != "good.pdf" {
		t.Fatalf("stale upload record: %+v", stored)
	}
}

func TestSupersededExtractWritesNoStructure(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.extractor.block = make(chan struct{})

	project, _ := env.pipeline.CreateProject(testUser(), "T")
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "draft.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.pipeline.Extract(ctx, project.ID); err != nil {
		t.Fatalf("extract: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusExtracting)

	// Supersede the attempt while the extractor is still working.
	if err := env.store.SetProjectStatus(project.ID, domain.StatusUploaded, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	close(env.extractor.block)

	// The runner is finished once the stage lease is free again.
	deadline := time.Now().Add(3 * time.Second)
	for {
		token, ok, err := env.locks.Acquire(ctx, project.ID)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if ok {
			_ = env.locks.Release(ctx, project.ID, token)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stage lease never released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok, _ := env.store.GetStructure(project.ID); ok {
		t.Fatalf("discarded extraction left a structure row behind")
	}
	p, _, _ := env.store.GetProject(project.ID)
	if p.Status != domain.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", p.Status)
	}
}

func TestAutoChainRunsThroughNormalized(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	project, _ := env.pipeline.CreateProject(testUser(), "T")
	if _, err := env.pipeline.UploadManuscript(ctx, project.ID, "draft.pdf", pdfBytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	waitStatus(t, env.store, project.ID, domain.StatusNormalized)
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	ctx := context.Background()

	rendition, err := env.pipeline.ApplyTemplate(ctx, project.ID, "editorial")
	if err != nil {
		t.Fatalf("apply template: %v", err)
	}
	pid := project.ID
	if err := env.store.AppendInteraction(domain.InteractionLog{
		ID: "i1", ProjectID: &pid, Step: "normalize", Success: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append interaction: %v", err)
	}

	if err := env.pipeline.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := env.store.GetProject(project.ID); ok {
		t.Fatalf("project survived delete")
	}
	if _, ok, _ := env.store.GetRendition(rendition.ID); ok {
		t.Fatalf("rendition survived delete")
	}
	if _, err := env.objects.Get(ctx, rendition.PreviewPath); err == nil {
		t.Fatalf("preview artifact survived delete")
	}
	// ledger entries are orphaned, never deleted
	entries, err := env.store.ListInteractions("")
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.ID == "i1" {
			found = true
			if e.ProjectID != nil {
				t.Fatalf("ledger entry still references deleted project")
			}
		}
	}
	if !found {
		t.Fatalf("ledger entry deleted with project")
	}
}

func TestConcurrentApplyTemplateSingleCurrent(t *testing.T) {
	env := newTestEnv(t, false)
	project := uploadAndNormalize(t, env)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.pipeline.ApplyTemplate(ctx, project.ID, "classic")
			var busy *BusyError
			if err != nil && !errors.As(err, &busy) {
				t.Errorf("apply template: %v", err)
			}
		}()
	}
	wg.Wait()

	renditions, err := env.store.ListRenditions(project.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) == 0 {
		t.Fatalf("no rendition created")
	}
	currents := 0
	for _, r := range renditions {
		if r.IsCurrent {
			currents++
		}
	}
	if currents != 1 {
		t.Fatalf("current renditions = %d (of %d)", currents, len(renditions))
	}
}
