// Package render turns a template plus field values into an image artifact
// through an external compositing service.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "greetd/pkg/logx"
)

var (
	ErrNoTemplate = errors.New("no template")
	ErrRender     = errors.New("render failed")
)

// Renderer produces an artifact locator for a template and field bindings.
// An empty locator with a nil error means nothing was rendered.
type Renderer interface {
	Render(ctx context.Context, templateRef string, fields map[string]string) (string, error)
}

// Disabled renders nothing.
type Disabled struct{}

func (Disabled) Render(context.Context, string, map[string]string) (string, error) { return "", nil }

// Putter persists rendered bytes and returns their locator.
type Putter interface {
	Put(ctx context.Context, dir, ext string, r io.Reader) (string, error)
	URL(locator string) string
}

type Config struct {
	Endpoint string
	// TemplateBaseURL prefixes template refs that are not absolute URLs.
	TemplateBaseURL string
	Timeout         time.Duration
}

// HTTP posts {templateUrl, data} to the compositing service and stores the
// returned image.
type HTTP struct {
	cfg    Config
	client *http.Client
	blobs  Putter
	log    logx.Logger
}

func NewHTTP(cfg Config, blobs Putter, log logx.Logger) (*HTTP, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("render endpoint is required")
	}
	if blobs == nil {
		return nil, errors.New("render needs an artifact store")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, blobs: blobs, log: log}, nil
}

type request struct {
	TemplateURL string            `json:"templateUrl"`
	Data        map[string]string `json:"data"`
}

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    struct {
		ImageBase64 string `json:"imageBase64"`
	} `json:"data"`
}

func (h *HTTP) templateURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if u := h.blobs.URL(ref); u != "" {
		return u
	}
	if h.cfg.TemplateBaseURL != "" {
		return strings.TrimRight(h.cfg.TemplateBaseURL, "/") + "/" + strings.TrimLeft(ref, "/")
	}
	return ref
}

func (h *HTTP) Render(ctx context.Context, templateRef string, fields map[string]string) (string, error) {
	if strings.TrimSpace(templateRef) == "" {
		return "", ErrNoTemplate
	}
	body, err := json.Marshal(request{TemplateURL: h.templateURL(templateRef), Data: fields})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: http %d: decode: %v", ErrRender, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("%w: http %d: %s", ErrRender, resp.StatusCode, msg)
	}

	b64 := out.Data.ImageBase64
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: image: %v", ErrRender, err)
	}
	if len(img) == 0 {
		return "", fmt.Errorf("%w: empty image", ErrRender)
	}
	loc, err := h.blobs.Put(ctx, "renders", ".png", bytes.NewReader(img))
	if err != nil {
		return "", fmt.Errorf("store render: %w", err)
	}
	h.log.Debug("rendered", logx.String("template", templateRef), logx.String("locator", loc),
		logx.Int("bytes", len(img)), logx.Duration("took", time.Since(start)))
	return loc, nil
}
