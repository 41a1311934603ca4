// Package raster turns document pages into bitmap images by delegating
// to an external render service over HTTP. The service receives the raw
// document bytes and replies with an encoded image (PNG or JPEG) for the
// requested page. Rendering is optional: when no service is configured,
// RenderPage returns ErrNoRenderer and callers degrade to text-only
// analysis.
package raster

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoRenderer is returned when no render service URL is configured.
// Callers should treat it as "no image available", not as a failure.
var ErrNoRenderer = errors.New("raster: no render service configured")

// maxImageBytes caps the response size accepted from the render service.
// A rendered page at typical scales stays well under this.
const maxImageBytes = 32 << 20 // 32 MiB

// Renderer produces an encoded image of a single document page.
// pageIndex is zero-based; scale multiplies the page's natural size.
type Renderer interface {
	RenderPage(ctx context.Context, doc []byte, pageIndex int, scale float64) ([]byte, error)
}

// Config holds the render service settings.
type Config struct {
	// URL is the base URL of the render service. Empty disables rendering.
	URL string `json:"url" yaml:"url"`

	// Secret signs request bodies with HMAC-SHA256 when set. The signature
	// travels in the X-Render-Signature header as "sha256=<hex>".
	Secret string `json:"-" yaml:"-"`

	// Timeout bounds a single render request.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries is the number of retry attempts after the first failure.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Backoff is the initial wait between retries, doubled each attempt.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Backoff == 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPRenderer renders pages by POSTing the document to a render service.
type HTTPRenderer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPRenderer builds a renderer from cfg. It is valid to construct a
// renderer with an empty URL; every RenderPage call then returns
// ErrNoRenderer.
func NewHTTPRenderer(cfg Config) *HTTPRenderer {
	cfg.defaults()
	return &HTTPRenderer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With("component", "raster"),
	}
}

// RenderPage POSTs doc to {URL}/render?page=N&scale=S and returns the
// image bytes. Transient failures (network errors, 5xx) are retried with
// exponential backoff; 4xx responses fail immediately since resending the
// same document cannot help.
func (r *HTTPRenderer) RenderPage(ctx context.Context, doc []byte, pageIndex int, scale float64) ([]byte, error) {
	if r.cfg.URL == "" {
		return nil, ErrNoRenderer
	}
	if pageIndex < 0 {
		return nil, fmt.Errorf("raster: negative page index %d", pageIndex)
	}

	endpoint, err := r.renderURL(pageIndex, scale)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		img, retryable, err := r.renderOnce(ctx, endpoint, doc)
		if err == nil {
			return img, nil
		}
		lastErr = err

		if !retryable || ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < r.cfg.MaxRetries {
			wait := r.cfg.Backoff * (1 << uint(attempt))
			r.logger.WarnContext(ctx, "retrying render",
				"page", pageIndex,
				"attempt", attempt+1,
				"max_retries", r.cfg.MaxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(wait):
			}
		}
	}
	return nil, lastErr
}

func (r *HTTPRenderer) renderURL(pageIndex int, scale float64) (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("raster: parse service url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, "render")
	if err != nil {
		return "", fmt.Errorf("raster: build render path: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(pageIndex))
	q.Set("scale", strconv.FormatFloat(scale, 'g', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// renderOnce performs a single render request. The second return value
// reports whether the failure is worth retrying.
func (r *HTTPRenderer) renderOnce(ctx context.Context, endpoint string, doc []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc))
	if err != nil {
		return nil, false, fmt.Errorf("raster: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if r.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(r.cfg.Secret))
		mac.Write(doc)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Render-Signature", "sha256="+sig)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("raster: render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the error message, then bail.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("raster: render service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		return nil, resp.StatusCode >= 500, err
	}

	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("raster: read image: %w", err)
	}
	if len(img) > maxImageBytes {
		return nil, false, fmt.Errorf("raster: image exceeds %d bytes", maxImageBytes)
	}
	if len(img) == 0 {
		return nil, false, errors.New("raster: render service returned empty image")
	}
	return img, false, nil
}
