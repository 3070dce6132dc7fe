package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"bookflow/internal/ratelimit"
	"bookflow/internal/usertoken"
	"bookflow/internal/util"
	"bookflow/pkg/domain"
	"bookflow/pkg/pipeline"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Pipeline       *pipeline.Pipeline
	TokenVerifier  *usertoken.Verifier
	UploadLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes the project pipeline over HTTP.
type Server struct {
	pipeline       *pipeline.Pipeline
	tokenVerifier  *usertoken.Verifier
	uploadLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 * 1024 * 1024
	}
	s := &Server{
		pipeline:       cfg.Pipeline,
		tokenVerifier:  cfg.TokenVerifier,
		uploadLimiter:  cfg.UploadLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bookflow", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/templates", s.withUser(s.handleTemplates))
	s.mux.Handle("/projects", s.withUser(s.handleProjects))
	s.mux.Handle("/projects/", s.withUser(s.handleProjectByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	activeOnly := r.URL.Query().Get("active") != "false"
	templates, err := s.pipeline.ListTemplates(activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": templates,
		"count": len(templates),
	})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateProject(w, r, user)
	case http.MethodGet:
		s.handleListProjects(w, user)
	default:
		methodNotAllowed(w)
	}
}

type createProjectRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := s.pipeline.CreateProject(user, req.Title)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, user domain.User) {
	projects, err := s.pipeline.ListProjects(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": projects,
		"count": len(projects),
	})
}

// /projects/{id} or /projects/{id}/{action}
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/projects/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	project, ok := s.loadOwnedProject(w, user, id)
	if !ok {
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, project)
		case http.MethodDelete:
			if err := s.pipeline.DeleteProject(r.Context(), id); err != nil {
				writePipelineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "upload":
		s.requirePost(w, r, func() { s.handleUpload(w, r, user, id) })
	case "extract":
		s.requirePost(w, r, func() { s.handleExtract(w, r, id) })
	case "normalize":
		s.requirePost(w, r, func() { s.handleNormalize(w, r, id) })
	case "apply-template":
		s.requirePost(w, r, func() { s.handleApplyTemplate(w, r, id) })
	case "approve":
		s.requirePost(w, r, func() { s.handleApprove(w, r, id) })
	case "status":
		s.requireGet(w, r, func() { s.handleStatus(w, project) })
	case "structure":
		s.requireGet(w, r, func() { s.handleStructure(w, id) })
	case "interactions":
		s.requireGet(w, r, func() { s.handleInteractions(w, id) })
	case "renditions":
		s.requireGet(w, r, func() { s.handleRenditions(w, id) })
	case "preview":
		s.requireGet(w, r, func() { s.handlePreview(w, r, id) })
	case "export-status":
		s.requireGet(w, r, func() { s.handleExportStatus(w, id) })
	case "download":
		s.requireGet(w, r, func() { s.handleDownload(w, r, id) })
	default:
		notFound(w, "not found")
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	fn()
}

func (s *Server) requireGet(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	fn()
}

func (s *Server) loadOwnedProject(w http.ResponseWriter, user domain.User, id string) (domain.Project, bool) {
	project, ok, err := s.pipeline.GetProject(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return domain.Project{}, false
	}
	if !ok {
		notFound(w, "project not found")
		return domain.Project{}, false
	}
	if project.OwnerID != user.ID && user.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return domain.Project{}, false
	}
	return project, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if !s.allowUpload(w, r, user) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	upload, err := s.pipeline.UploadManuscript(r.Context(), id, header.Filename, data)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request, user domain.User) bool {
	if s.uploadLimiter == nil {
		return true
	}
	key := user.ID + "|" + util.ClientIP(r, s.trustedProxies)
	if s.uploadLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many uploads")
	return false
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.pipeline.Extract(r.Context(), id); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "extracting"})
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.pipeline.Normalize(r.Context(), id); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "normalizing"})
}

type applyTemplateRequest struct {
	TemplateKey string `json:"templateKey"`
}

func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request, id string) {
	var req applyTemplateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rendition, err := s.pipeline.ApplyTemplate(r.Context(), id, req.TemplateKey)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rendition)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	rendition, err := s.pipeline.Approve(r.Context(), id)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rendition)
}

// progressFor maps a lifecycle status to a coarse percentage for polling
// clients. Error keeps the last meaningful figure ambiguous, so it reports 0.
func progressFor(status domain.ProjectStatus) int {
	switch status {
	case domain.StatusCreated:
		return 0
	case domain.StatusUploaded:
		return 10
	case domain.StatusExtracting:
		return 25
	case domain.StatusParsed:
		return 40
	case domain.StatusNormalizing:
		return 55
	case domain.StatusNormalized:
		return 70
	case domain.StatusTemplated:
		return 80
	case domain.StatusApproved:
		return 85
	case domain.StatusExporting:
		return 90
	case domain.StatusExported:
		return 100
	default:
		return 0
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, project domain.Project) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       project.Status,
		"progress":     progressFor(project.Status),
		"errorMessage": project.ErrorMessage,
		"updatedAt":    project.UpdatedAt,
	})
}

func (s *Server) handleStructure(w http.ResponseWriter, id string) {
	structure, ok, err := s.pipeline.GetStructure(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "structure not found")
		return
	}
	writeJSON(w, http.StatusOK, structure)
}

func (s *Server) handleInteractions(w http.ResponseWriter, id string) {
	logs, err := s.pipeline.ListInteractions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": logs,
		"count": len(logs),
	})
}

func (s *Server) handleRenditions(w http.ResponseWriter, id string) {
	renditions, err := s.pipeline.ListRenditions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": renditions,
		"count": len(renditions),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, id string) {
	rendition, url, err := s.pipeline.CurrentPreview(r.Context(), id)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rendition":  rendition,
		"previewUrl": url,
	})
}

func (s *Server) handleExportStatus(w http.ResponseWriter, id string) {
	project, rendition, err := s.pipeline.ExportStatus(id)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       project.Status,
		"errorMessage": project.ErrorMessage,
		"rendition":    rendition,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	url, filename, err := s.pipeline.DownloadLink(r.Context(), id)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":      url,
		"filename": filename,
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// writePipelineError maps the pipeline error taxonomy onto HTTP statuses.
func writePipelineError(w http.ResponseWriter, err error) {
	var validation *pipeline.ValidationError
	var busy *pipeline.BusyError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Msg)
	case errors.As(err, &busy):
		writeError(w, http.StatusConflict, busy.Error())
	case errors.Is(err, pipeline.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, pipeline.ErrTemplateNotFound):
		writeError(w, http.StatusNotFound, "template not found")
	case errors.Is(err, pipeline.ErrPipelineNotReady):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForProject(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForProject(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "PROJECT_FORBIDDEN"
	case message == "project not found":
		return "PROJECT_NOT_FOUND"
	case message == "template not found":
		return "TEMPLATE_NOT_FOUND"
	case message == "structure not found":
		return "PROJECT_STRUCTURE_NOT_FOUND"
	case strings.Contains(message, "busy"):
		return "PROJECT_BUSY"
	case strings.Contains(message, "pipeline not ready"):
		return "PROJECT_NOT_READY"
	case strings.Contains(message, "file is required"):
		return "PROJECT_FILE_REQUIRED"
	case message == "invalid form data":
		return "PROJECT_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "PROJECT_INVALID_REQUEST"
	case message == "too many uploads":
		return "PROJECT_RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "PROJECT_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "PROJECT_FORBIDDEN"
	case http.StatusNotFound:
		return "PROJECT_NOT_FOUND"
	case http.StatusConflict:
		return "PROJECT_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
