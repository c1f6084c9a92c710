// Package proxy forwards detection uploads to the inference backend
// without decoding them. The request body and the backend response are
// streamed through unchanged.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/metrics"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"go.uber.org/zap"
)

const (
	DetailUnavailable = "Inference backend is unavailable"
	DetailTimeout     = "Inference backend timed out"
	DetailTooLarge    = "Upload exceeds the size limit"

	RequestIDHeader = "X-Request-Id"
)

type Proxy struct {
	backend backend.Backend
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
	rp      *httputil.ReverseProxy
}

type Option func(*Proxy)

func WithTimeout(timeout time.Duration) Option {
	return func(p *Proxy) {
		p.timeout = timeout
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(p *Proxy) {
		p.metrics = collector
	}
}

func New(b backend.Backend, opts ...Option) *Proxy {
	p := &Proxy{
		backend: b,
		timeout: 2 * time.Minute,
		logger:  zap.NewNop(),
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite:       p.rewrite,
		ErrorHandler:  p.handleError,
		FlushInterval: -1,
		BufferPool:    newBufferPool(),
	}

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("proxy")

	return p
}

type forwardKey struct{}

type forward struct {
	capability backend.Capability
	body       *recordingBody
}

// Forward streams r to the given backend capability and copies the
// response back to w. Transport failures are answered with a 503.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, capability backend.Capability) {
	if !p.backend.Running() {
		p.logger.Warn("backend is not running, refusing to forward", zap.String("capability", string(capability)))
		p.metrics.RecordUpstreamError(string(capability))
		writeDetail(w, http.StatusServiceUnavailable, DetailUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	fwd := &forward{capability: capability}
	if r.Body != nil && r.Body != http.NoBody {
		fwd.body = &recordingBody{ReadCloser: r.Body}
		r.Body = fwd.body
	}

	r = r.WithContext(context.WithValue(ctx, forwardKey{}, fwd))
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	fwd, _ := pr.In.Context().Value(forwardKey{}).(*forward)

	target := p.backend.Endpoint()
	if fwd != nil {
		target = target.JoinPath(fwd.capability.Path())
	}

	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Host
	pr.Out.URL.Path = "/" + strings.TrimPrefix(target.Path, "/")
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = ""

	pr.SetXForwarded()

	if id := pr.In.Header.Get(RequestIDHeader); id != "" {
		pr.Out.Header.Set(RequestIDHeader, id)
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	fwd, _ := r.Context().Value(forwardKey{}).(*forward)

	capability := ""
	if fwd != nil {
		capability = string(fwd.capability)
	}

	if fwd != nil && fwd.body != nil {
		var maxErr *http.MaxBytesError
		if errors.As(fwd.body.Err(), &maxErr) {
			p.logger.Info("upload exceeded size limit while streaming", zap.Int64("limit", maxErr.Limit))
			p.metrics.RecordRejectedUpload("too_large")
			writeDetail(w, http.StatusRequestEntityTooLarge, DetailTooLarge)
			return
		}
	}

	p.metrics.RecordUpstreamError(capability)

	switch {
	case errors.Is(r.Context().Err(), context.DeadlineExceeded):
		p.logger.Error("backend request timed out", zap.String("capability", capability), zap.Duration("timeout", p.timeout))
		writeDetail(w, http.StatusServiceUnavailable, DetailTimeout)
	case errors.Is(err, context.Canceled):
		p.logger.Debug("client went away", zap.String("capability", capability))
		writeDetail(w, http.StatusServiceUnavailable, DetailUnavailable)
	default:
		p.logger.Error("backend request failed", zap.String("capability", capability), zap.Error(err))
		writeDetail(w, http.StatusServiceUnavailable, DetailUnavailable)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", types.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Detail: detail})
}

// recordingBody remembers a size-limit violation hit while streaming, so it
// can be told apart from a backend failure.
type recordingBody struct {
	io.ReadCloser

	mx  sync.Mutex
	err error
}

func (b *recordingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			b.mx.Lock()
			if b.err == nil {
				b.err = err
			}
			b.mx.Unlock()
		}
	}
	return n, err
}

func (b *recordingBody) Err() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.err
}

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{pool: sync.Pool{New: func() any {
		buf := make([]byte, 32<<10)
		return &buf
	}}}
}

func (b *bufferPool) Get() []byte {
	return *b.pool.Get().(*[]byte)
}

func (b *bufferPool) Put(buf []byte) {
	b.pool.Put(&buf)
}
