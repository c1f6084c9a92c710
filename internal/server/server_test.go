package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/api"
	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/config"
	"github.com/cozy-creator/plate-gateway/internal/metrics"
	"github.com/cozy-creator/plate-gateway/internal/mockbackend"
	"github.com/cozy-creator/plate-gateway/internal/proxy"
	"github.com/cozy-creator/plate-gateway/internal/services/filestorage"
	"github.com/cozy-creator/plate-gateway/internal/supervisor"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// upstream is the mock inference service with a call counter in front.
type upstream struct {
	*httptest.Server
	calls     atomic.Int32
	requestID atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()

	u := &upstream{}
	mock := mockbackend.New().Handler()
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			u.calls.Add(1)
		}
		u.requestID.Store(r.Header.Get(proxy.RequestIDHeader))
		mock.ServeHTTP(w, r)
	}))
	t.Cleanup(u.Close)

	return u
}

// deadUpstream returns the URL of a server that is no longer listening.
func deadUpstream() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func newTestServer(t *testing.T, backendURL string, configure func(*config.Config), opts ...app.OptionFunc) *Server {
	t.Helper()

	b, err := backend.NewHTTPBackend(backendURL, backend.WithTimeout(5*time.Second))
	require.NoError(t, err)

	return newTestServerWithBackend(t, backendURL, b, configure, opts...)
}

func newTestServerWithBackend(t *testing.T, backendURL string, b backend.Backend, configure func(*config.Config), opts ...app.OptionFunc) *Server {
	t.Helper()

	v := viper.New()
	v.Set("environment", "test")
	v.Set("public_dir", "")
	v.Set("backend.mode", config.BackendModeRemote)
	v.Set("backend.url", backendURL)

	cfg, err := config.Unmarshal(v)
	require.NoError(t, err)
	if configure != nil {
		configure(cfg)
	}

	opts = append([]app.OptionFunc{
		app.WithLogger(zap.NewNop()),
		app.WithMetrics(metrics.NewCollector()),
		app.WithBackend(b),
	}, opts...)

	a, err := app.NewApp(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	s, err := NewServer(a)
	require.NoError(t, err)
	return s
}

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &body, mw.FormDataContentType()
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func postFile(t *testing.T, s *Server, path, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, ct := multipartBody(t, "file", filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	return do(s, req)
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Detail
}

func TestDetect_Proxied(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	for _, path := range []string{"/api/detect", "/api/detect-and-blur"} {
		t.Run(path, func(t *testing.T) {
			w := postFile(t, s, path, "car.png", "image/png", testPNG(t))
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var res types.DetectionResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			require.Len(t, res.Detections, 1)
			assert.Equal(t, mockbackend.MockConfidence, res.Detections[0].Conf)
		})
	}

	assert.EqualValues(t, 2, up.calls.Load())
}

func TestDetect_RejectsOctetStream(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	// A real png, but the backend only trusts the declared type.
	w := postFile(t, s, "/api/detect", "car.png", "application/octet-stream", testPNG(t))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, detail(t, w), "application/octet-stream")
	assert.EqualValues(t, 0, up.calls.Load())
}

func TestDetect_RejectedBeforeBackend(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, func(cfg *config.Config) {
		cfg.Limits.MaxImageSize = 4 << 10
	})

	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
	}{
		{
			name: "wrong type",
			req: func(t *testing.T) *http.Request {
				body, ct := multipartBody(t, "file", "notes.txt", "text/plain", []byte("not an image"))
				req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
				req.Header.Set("Content-Type", ct)
				return req
			},
			status: http.StatusBadRequest,
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader(`{"image":"x"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			status: http.StatusUnsupportedMediaType,
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				body, ct := multipartBody(t, "file", "car.png", "image/png", make([]byte, 8<<10))
				req := httptest.NewRequest(http.MethodPost, "/api/detect-and-blur", body)
				req.Header.Set("Content-Type", ct)
				return req
			},
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name: "missing file",
			req: func(t *testing.T) *http.Request {
				var body bytes.Buffer
				mw := multipart.NewWriter(&body)
				require.NoError(t, mw.WriteField("note", "hello"))
				require.NoError(t, mw.Close())

				req := httptest.NewRequest(http.MethodPost, "/api/detect", &body)
				req.Header.Set("Content-Type", mw.FormDataContentType())
				return req
			},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, tt.req(t))
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, detail(t, w))
		})
	}

	assert.Zero(t, up.calls.Load())
}

func TestDetect_BackendDown(t *testing.T) {
	s := newTestServer(t, deadUpstream(), nil)

	w := postFile(t, s, "/api/detect", "car.png", "image/png", testPNG(t))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, proxy.DetailUnavailable, detail(t, w))
}

func TestDetect_RequestIDForwarded(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	body, ct := multipartBody(t, "file", "car.png", "image/png", testPNG(t))
	req := httptest.NewRequest(http.MethodPost, "/api/detect", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(proxy.RequestIDHeader, "req-42")

	w := do(s, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(proxy.RequestIDHeader))
	assert.Equal(t, "req-42", up.requestID.Load())
}

func TestRequestID_Generated(t *testing.T) {
	s := newTestServer(t, deadUpstream(), nil)

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.NotEmpty(t, w.Header().Get(proxy.RequestIDHeader))
}

func TestHealth_Idempotent(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	first := do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	second := do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	var resp struct {
		Gateway string          `json:"gateway"`
		Backend json.RawMessage `json:"backend"`
		State   string          `json:"state"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	assert.Equal(t, types.BackendHealthy, resp.Gateway)
	assert.Equal(t, "ready", resp.State)
	assert.JSONEq(t, `{"status":"healthy","model_loaded":false,"yolo_available":false}`, string(resp.Backend))
	assert.Zero(t, up.calls.Load())
}

func TestHealth_BackendUnavailable(t *testing.T) {
	s := newTestServer(t, deadUpstream(), nil)

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.BackendHealthy, resp.Gateway)
	assert.Equal(t, types.BackendUnavailable, resp.Backend)
}

func TestSupervisedBackend_ServesAfterStartupBound(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	startup := 300 * time.Millisecond
	sup, err := supervisor.New(deadUpstream(), supervisor.Command{
		Path:    sh,
		Args:    []string{"-c", "echo loading weights; sleep 30"},
		Marker:  "Application startup complete",
		Startup: startup,
		Grace:   time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	s := newTestServerWithBackend(t, sup.Endpoint().String(), sup, func(cfg *config.Config) {
		cfg.Backend.Mode = config.BackendModeLocal
	})

	began := time.Now()
	assert.Equal(t, supervisor.OutcomeTimeout, sup.Start(context.Background()))
	assert.Less(t, time.Since(began), startup+500*time.Millisecond)

	w := postFile(t, s, "/api/detect", "car.png", "image/png", testPNG(t))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, proxy.DetailUnavailable, detail(t, w))

	w = do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "starting", resp.State)
	assert.Equal(t, types.BackendUnavailable, resp.Backend)
}

func TestBlurZip_ReturnsArchive(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	img := testPNG(t)
	archive := buildZip(t,
		zipEntry{"a.png", img},
		zipEntry{"cars/b.png", img},
		zipEntry{"readme.txt", []byte("skip me")},
		zipEntry{"__MACOSX/._a.png", []byte("junk")},
	)

	w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, types.ContentTypeZip, w.Header().Get("Content-Type"))
	assert.Equal(t, "2", w.Header().Get(api.HeaderAttempted))
	assert.Equal(t, "2", w.Header().Get(api.HeaderSucceeded))
	assert.Equal(t, "0", w.Header().Get(api.HeaderFailed))
	assert.NotEmpty(t, w.Header().Get(api.HeaderJobID))
	assert.Empty(t, w.Header().Get(api.HeaderFailedItems))

	assert.ElementsMatch(t, []string{"a.png", "cars/b.png"}, zipNames(t, w.Body.Bytes()))
	assert.EqualValues(t, 2, up.calls.Load())
}

func TestBlurZip_PartialFailure(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	archive := buildZip(t,
		zipEntry{"good.png", testPNG(t)},
		zipEntry{"bad photo.png", []byte("definitely not a png")},
	)

	w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "2", w.Header().Get(api.HeaderAttempted))
	assert.Equal(t, "1", w.Header().Get(api.HeaderSucceeded))
	assert.Equal(t, "1", w.Header().Get(api.HeaderFailed))
	assert.Equal(t, "bad%20photo.png", w.Header().Get(api.HeaderFailedItems))
	assert.Equal(t, []string{"good.png"}, zipNames(t, w.Body.Bytes()))
}

func TestBlurZip_JSONSummary(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	archive := buildZip(t,
		zipEntry{"good.png", testPNG(t)},
		zipEntry{"bad.png", []byte("garbage")},
	)

	w := postFile(t, s, "/api/blur-zip?format=json", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary types.BatchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.NotEmpty(t, summary.JobID)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Items, 2)
	assert.Equal(t, "good.png", summary.Items[0].Name)
	assert.Equal(t, "succeeded", summary.Items[0].Status)
	assert.Equal(t, "failed", summary.Items[1].Status)
	assert.NotEmpty(t, summary.Items[1].Error)
}

func TestBlurZip_MsgPackSummary(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	archive := buildZip(t, zipEntry{"good.png", testPNG(t)})
	body, ct := multipartBody(t, "file", "cars.zip", "application/zip", archive)
	req := httptest.NewRequest(http.MethodPost, "/api/blur-zip", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Accept", types.ContentTypeMsgPack)

	w := do(s, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ContentTypeMsgPack, w.Header().Get("Content-Type"))

	var summary types.BatchSummary
	require.NoError(t, msgpack.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Succeeded)
}

func TestBlurZip_NoSuccesses(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, nil)

	archive := buildZip(t,
		zipEntry{"a.png", []byte("garbage")},
		zipEntry{"b.jpg", []byte("more garbage")},
	)

	w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var failure types.BatchFailure
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failure))
	assert.NotEmpty(t, failure.Detail)
	require.NotNil(t, failure.Summary)
	assert.Equal(t, 2, failure.Summary.Attempted)
	assert.Equal(t, 2, failure.Summary.Failed)
}

func TestBlurZip_BackendDownHidesTransportErrors(t *testing.T) {
	s := newTestServer(t, deadUpstream(), nil)

	archive := buildZip(t, zipEntry{"a.png", testPNG(t)})

	w := postFile(t, s, "/api/blur-zip?format=json", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var failure types.BatchFailure
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failure))
	require.NotNil(t, failure.Summary)
	require.Len(t, failure.Summary.Items, 1)
	assert.Equal(t, "Inference backend is unavailable", failure.Summary.Items[0].Error)
	assert.NotContains(t, w.Body.String(), "127.0.0.1")
}

func TestBlurZip_BadUploads(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, func(cfg *config.Config) {
		cfg.Limits.MaxArchiveSize = 16 << 10
	})

	t.Run("not a zip", func(t *testing.T) {
		w := postFile(t, s, "/api/blur-zip", "notes.txt", "text/plain", []byte("hello"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("corrupt zip", func(t *testing.T) {
		w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", []byte("PK\x03\x04 broken"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no images", func(t *testing.T) {
		archive := buildZip(t, zipEntry{"readme.txt", []byte("nothing here")})
		w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", archive)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", make([]byte, 32<<10))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/blur-zip", strings.NewReader("zip"))
		req.Header.Set("Content-Type", "application/zip")
		assert.Equal(t, http.StatusUnsupportedMediaType, do(s, req).Code)
	})

	assert.Zero(t, up.calls.Load())
}

func TestBlurZip_StoresArchive(t *testing.T) {
	up := newUpstream(t)

	storage, err := filestorage.NewLocalFileStorage(t.TempDir(), "http://gateway.test"+filestorage.ArchivesRoute)
	require.NoError(t, err)
	s := newTestServer(t, up.URL, nil, app.WithStorage(storage))

	archive := buildZip(t, zipEntry{"a.png", testPNG(t)})
	w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusOK, w.Code)

	archiveURL := w.Header().Get(api.HeaderArchiveURL)
	require.True(t, strings.HasPrefix(archiveURL, "http://gateway.test/api/archives/"), archiveURL)
	assert.True(t, strings.HasSuffix(archiveURL, ".zip"))

	path := strings.TrimPrefix(archiveURL, "http://gateway.test")
	got := do(s, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, w.Body.Bytes(), got.Body.Bytes())

	missing := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/nope.zip", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGetArchive_StorageDisabled(t *testing.T) {
	s := newTestServer(t, deadUpstream(), nil)

	w := do(s, httptest.NewRequest(http.MethodGet, "/api/archives/abc.zip", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBlurZip_Webhook(t *testing.T) {
	up := newUpstream(t)

	received := make(chan types.BatchSummary, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var summary types.BatchSummary
		if err := json.NewDecoder(r.Body).Decode(&summary); err == nil {
			received <- summary
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	s := newTestServer(t, up.URL, func(cfg *config.Config) {
		cfg.Batch.WebhookURL = hook.URL
	})

	archive := buildZip(t, zipEntry{"a.png", testPNG(t)})
	w := postFile(t, s, "/api/blur-zip", "cars.zip", "application/zip", archive)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case summary := <-received:
		assert.Equal(t, w.Header().Get(api.HeaderJobID), summary.JobID)
		assert.Equal(t, 1, summary.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestRateLimit(t *testing.T) {
	up := newUpstream(t)
	s := newTestServer(t, up.URL, func(cfg *config.Config) {
		cfg.Limits.RequestsPerSecond = 0.001
		cfg.Limits.Burst = 1
	})

	first := postFile(t, s, "/api/detect", "car.png", "image/png", testPNG(t))
	assert.Equal(t, http.StatusOK, first.Code)

	second := postFile(t, s, "/api/detect", "car.png", "image/png", testPNG(t))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	// Health is never limited.
	health := do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
	assert.EqualValues(t, 1, up.calls.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, deadUpstream(), nil)

	do(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	w := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plategw_requests_total")
}
