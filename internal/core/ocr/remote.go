// Package ocr provides the page extraction backends: a remote OCR service
// client for scanned PDFs, a local tabula-based extractor for digital PDFs,
// and a docconv fallback for everything else.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// RemoteClient talks to an OCR service over REST. A document is uploaded once
// with POST /v1/documents, after which pages are fetched one at a time with
// GET /v1/documents/{id}/pages/{n}. Requests go through a token-bucket rate
// limiter; 429 and 5xx responses surface as transient errors carrying the
// server's Retry-After so the caller's backoff can honor it.
type RemoteClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	limiter *rate.Limiter

	mu      sync.Mutex
	uploads map[string]uploadInfo // keyed by local path
}

type uploadInfo struct {
	ID    string
	Pages int
}

func NewRemoteClient(baseURL, apiKey, model string, cfg config.ExtractionConfig) *RemoteClient {
	return &RemoteClient{
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		uploads: make(map[string]uploadInfo),
	}
}

type uploadResponse struct {
	ID    string `json:"id"`
	Pages int    `json:"pages"`
}

type pageResponse struct {
	Markdown   string  `json:"markdown"`
	Confidence float64 `json:"confidence"`
}

func (c *RemoteClient) PageCount(ctx context.Context, src core.DocumentSource) (int, error) {
	info, err := c.ensureUploaded(ctx, src)
	if err != nil {
		return 0, err
	}
	return info.Pages, nil
}

func (c *RemoteClient) ExtractPage(ctx context.Context, src core.DocumentSource, pageNum int) (*models.RawPage, error) {
	info, err := c.ensureUploaded(ctx, src)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/documents/%s/pages/%d?model=%s", c.baseURL, info.ID, pageNum, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &core.TransientProviderError{Op: "ocr page", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ocr page", resp)
	}

	var pr pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("ocr page %d: decode: %w", pageNum, err)
	}
	return &models.RawPage{Number: pageNum, Markdown: pr.Markdown, Confidence: pr.Confidence}, nil
}

// ensureUploaded uploads the document once and caches its server handle, so
// resumed runs and per-page calls share a single upload.
func (c *RemoteClient) ensureUploaded(ctx context.Context, src core.DocumentSource) (uploadInfo, error) {
	c.mu.Lock()
	if info, ok := c.uploads[src.Path]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return uploadInfo{}, err
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return uploadInfo{}, fmt.Errorf("ocr upload: open %s: %w", src.Path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(src.Path))
	if err != nil {
		return uploadInfo{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return uploadInfo{}, fmt.Errorf("ocr upload: read %s: %w", src.Path, err)
	}
	if err := w.Close(); err != nil {
		return uploadInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/documents", &body)
	if err != nil {
		return uploadInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return uploadInfo{}, &core.TransientProviderError{Op: "ocr upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return uploadInfo{}, statusError("ocr upload", resp)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return uploadInfo{}, fmt.Errorf("ocr upload: decode: %w", err)
	}

	info := uploadInfo{ID: ur.ID, Pages: ur.Pages}
	c.mu.Lock()
	c.uploads[src.Path] = info
	c.mu.Unlock()
	return info, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &core.TransientProviderError{
			Op:         op,
			RetryAfter: retryAfter(resp),
			Err:        err,
		}
	}
	return err
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

var _ core.PageExtractor = (*RemoteClient)(nil)
