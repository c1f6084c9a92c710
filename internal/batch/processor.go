package batch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/backend"
)

var ErrEmptyResult = errors.New("backend returned no blurred image")

// Processor turns one input image into its processed bytes.
type Processor interface {
	Process(ctx context.Context, name string, image []byte) ([]byte, error)
}

type ProcessorFunc func(ctx context.Context, name string, image []byte) ([]byte, error)

func (f ProcessorFunc) Process(ctx context.Context, name string, image []byte) ([]byte, error) {
	return f(ctx, name, image)
}

// BackendProcessor runs detect-and-blur on the inference backend and
// returns the decoded blurred image.
type BackendProcessor struct {
	backend backend.Backend
}

func NewBackendProcessor(b backend.Backend) *BackendProcessor {
	return &BackendProcessor{backend: b}
}

func (p *BackendProcessor) Process(ctx context.Context, name string, image []byte) ([]byte, error) {
	res, err := p.backend.Call(ctx, backend.CapabilityDetectAndBlur, name, image)
	if err != nil {
		return nil, err
	}

	if res.ImageBlurredBase64 == "" {
		return nil, ErrEmptyResult
	}

	return DecodeDataURL(res.ImageBlurredBase64)
}

// DecodeDataURL decodes a base64 image, with or without a
// "data:<type>;base64," prefix.
func DecodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return data, nil
}
