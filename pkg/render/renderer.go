package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bookflow/pkg/pipeline"
)

// wordsPerPage drives the preview page estimate; final counts come from the
// render service.
const wordsPerPage = 350

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// HTTPRenderer produces rendition artifacts. Preview mode is served locally:
// the resolved HTML is itself the preview artifact. Final mode calls the
// render service, which paginates the HTML and returns the PDF bytes.
type HTTPRenderer struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New constructs the renderer against the render service base URL. The
// token, when set, is sent as a bearer credential on every call.
func New(baseURL, token string, timeout time.Duration) (*HTTPRenderer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("render service URL required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPRenderer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Render implements the render stage contract.
func (r *HTTPRenderer) Render(ctx context.Context, in pipeline.RenderInput) (pipeline.RenderResult, error) {
	start := time.Now()
	if in.HTML == "" {
		return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailLayout, errors.New("empty document"))
	}
	if in.Mode == pipeline.RenderPreview {
		return pipeline.RenderResult{
			Data:        []byte(in.HTML),
			ContentType: "text/html; charset=utf-8",
			PageCount:   estimatePages(in.HTML),
			Duration:    time.Since(start),
		}, nil
	}
	return r.renderFinal(ctx, in, start)
}

func (r *HTTPRenderer) renderFinal(ctx context.Context, in pipeline.RenderInput, start time.Time) (pipeline.RenderResult, error) {
	payload, err := json.Marshal(map[string]string{
		"html":  in.HTML,
		"title": in.Title,
	})
	if err != nil {
		return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailLayout, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailResources, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailResources, fmt.Errorf("render timed out: %w", err))
		}
		return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailResources, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		kind := pipeline.FailResources
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = pipeline.FailLayout
		}
		return pipeline.RenderResult{}, pipeline.NewStageError("render", kind, fmt.Errorf("render service: %s", msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailResources, err)
	}
	if len(data) == 0 {
		return pipeline.RenderResult{}, pipeline.NewStageError("render", pipeline.FailLayout, errors.New("render service returned an empty document"))
	}
	pageCount, _ := strconv.Atoi(resp.Header.Get("X-Page-Count"))
	return pipeline.RenderResult{
		Data:        data,
		ContentType: "application/pdf",
		PageCount:   pageCount,
		Duration:    time.Since(start),
	}, nil
}

func estimatePages(html string) int {
	text := tagPattern.ReplaceAllString(html, " ")
	words := len(strings.Fields(text))
	pages := (words + wordsPerPage - 1) / wordsPerPage
	if pages < 1 {
		pages = 1
	}
	return pages
}
