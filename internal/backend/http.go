package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	// FormField is the multipart field the inference service reads the image from.
	FormField = "file"

	maxErrorBody = 64 << 10
)

type HTTPBackend struct {
	base      *url.URL
	client    *http.Client
	readiness *Readiness
	logger    *zap.Logger
}

type Option func(*HTTPBackend)

func WithTimeout(timeout time.Duration) Option {
	return func(b *HTTPBackend) {
		b.client = &http.Client{Timeout: timeout}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *HTTPBackend) {
		b.logger = logger
	}
}

// WithReadiness shares a readiness value owned by someone else, typically a
// process supervisor. Without it the backend reports itself as ready.
func WithReadiness(r *Readiness) Option {
	return func(b *HTTPBackend) {
		b.readiness = r
	}
}

func NewHTTPBackend(baseURL string, opts ...Option) (*HTTPBackend, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: scheme and host are required", baseURL)
	}

	b := &HTTPBackend{
		base:      base,
		client:    &http.Client{Timeout: 2 * time.Minute},
		readiness: NewReadiness(StateReady),
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

func (b *HTTPBackend) Endpoint() *url.URL {
	u := *b.base
	return &u
}

func (b *HTTPBackend) State() State {
	return b.readiness.Load()
}

func (b *HTTPBackend) Running() bool {
	return true
}

func (b *HTTPBackend) Readiness() *Readiness {
	return b.readiness
}

func (b *HTTPBackend) Call(ctx context.Context, capability Capability, filename string, image []byte) (*types.DetectionResult, error) {
	body, contentType := multipartBody(filename, image)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url(capability), body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", types.ContentTypeJSON)

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("backend call failed", zap.String("capability", string(capability)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(capability, resp)
	}

	var result types.DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", capability, err)
	}

	return &result, nil
}

func (b *HTTPBackend) Health(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(CapabilityHealth), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading health response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}

	if !json.Valid(payload) {
		return nil, nil
	}

	return payload, nil
}

func (b *HTTPBackend) url(capability Capability) string {
	return b.base.JoinPath(capability.Path()).String()
}

// multipartBody streams image into a single-file form through a pipe, so
// the encoded body is never held in memory next to the image.
func multipartBody(filename string, image []byte) (*io.PipeReader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, escapeQuotes(filename)))
		header.Set("Content-Type", mimetype.Detect(image).String())

		part, err := mw.CreatePart(header)
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		if _, err := io.Copy(part, bytes.NewReader(image)); err != nil {
			pw.CloseWithError(err)
			return
		}

		pw.CloseWithError(mw.Close())
	}()

	return pr, mw.FormDataContentType()
}

func statusError(capability Capability, resp *http.Response) error {
	serr := &StatusError{Capability: capability, StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return serr
	}

	var body types.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		serr.Detail = body.Detail
	} else {
		serr.Detail = strings.TrimSpace(string(raw))
	}

	return serr
}

// IsClientError reports whether err is a backend rejection of the input
// itself (4xx), as opposed to the backend being unavailable or failing.
func IsClientError(err error) bool {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode >= 400 && serr.StatusCode < 500
	}

	return false
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
