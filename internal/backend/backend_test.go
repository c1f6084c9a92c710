package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestHTTPBackend_Call(t *testing.T) {
	var gotType, gotName string
	var gotBytes []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect-and-blur", r.URL.Path)

		file, header, err := r.FormFile(FormField)
		require.NoError(t, err)
		defer file.Close()

		gotType = header.Header.Get("Content-Type")
		gotName = header.Filename
		gotBytes, _ = io.ReadAll(file)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[{"bbox":[1,2,30,40],"conf":0.9}],"image_blurred_base64":"data:image/jpeg;base64,AAAA","image_width":64,"image_height":48}`))
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL)
	require.NoError(t, err)

	res, err := b.Call(context.Background(), CapabilityDetectAndBlur, `front "1".png`, pngMagic)
	require.NoError(t, err)

	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, `front "1".png`, gotName)
	assert.Equal(t, pngMagic, gotBytes)

	require.Len(t, res.Detections, 1)
	assert.True(t, res.Detections[0].Valid())
	assert.Equal(t, "data:image/jpeg;base64,AAAA", res.ImageBlurredBase64)
	require.NotNil(t, res.ImageWidth)
	assert.Equal(t, 64, *res.ImageWidth)
}

func TestHTTPBackend_CallStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Could not decode image"}`))
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL)
	require.NoError(t, err)

	_, err = b.Call(context.Background(), CapabilityDetect, "x.jpg", []byte("garbage"))
	require.Error(t, err)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Equal(t, "Could not decode image", serr.Detail)
	assert.True(t, IsClientError(err))
}

func TestHTTPBackend_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b, err := NewHTTPBackend(url)
	require.NoError(t, err)

	_, err = b.Call(context.Background(), CapabilityDetect, "x.jpg", pngMagic)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsClientError(err))

	_, err = b.Health(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPBackend_Health(t *testing.T) {
	body := `{"status":"healthy","model_loaded":false}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL + "/")
	require.NoError(t, err)

	payload, err := b.Health(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, body, string(payload))

	body = "ok"
	payload, err = b.Health(context.Background())
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestHTTPBackend_HealthStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL)
	require.NoError(t, err)

	_, err = b.Health(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewHTTPBackend_InvalidURL(t *testing.T) {
	_, err := NewHTTPBackend("localhost:8000")
	require.Error(t, err)

	_, err = NewHTTPBackend("://nope")
	require.Error(t, err)
}

func TestReadiness(t *testing.T) {
	r := NewReadiness(StateStarting)
	assert.False(t, r.IsReady())
	assert.Equal(t, "starting", r.Load().String())

	assert.True(t, r.CompareAndSwap(StateStarting, StateReady))
	assert.True(t, r.IsReady())
	assert.False(t, r.CompareAndSwap(StateStarting, StateDegraded))

	r.Store(StateDegraded)
	assert.Equal(t, "degraded", r.Load().String())

	b, err := NewHTTPBackend("http://127.0.0.1:1", WithReadiness(r))
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, b.State())
	assert.Same(t, r, b.Readiness())
}

func TestStatusError_Error(t *testing.T) {
	err := error(&StatusError{Capability: CapabilityDetect, StatusCode: 502})
	assert.Equal(t, "detect returned status 502", err.Error())

	wrapped := errors.Join(errors.New("outer"), err)
	var serr *StatusError
	assert.True(t, errors.As(wrapped, &serr))
	assert.Equal(t, 502, serr.StatusCode)
}
