package imageutil

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAndEncode(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 32, 16))
	src.Set(3, 4, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	img, format, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

	url, err := JPEGDataURL(img, 90)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/jpeg;base64,"))
	require.NoError(t, err)

	back, format, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, img.Bounds(), back.Bounds())
}

func TestDecode_Garbage(t *testing.T) {
	_, _, err := Decode([]byte("not an image"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}
