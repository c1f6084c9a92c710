package imageutil

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/jpeg"

	_ "image/png"

	_ "golang.org/x/image/webp"
)

var ErrUnsupportedImage = errors.New("unsupported or corrupt image")

// Decode decodes a jpeg, png or webp image and returns its format name.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Join(ErrUnsupportedImage, err)
	}

	return img, format, nil
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var output bytes.Buffer
	if err := jpeg.Encode(&output, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}

	return output.Bytes(), nil
}

// JPEGDataURL encodes img as a base64 jpeg data URL.
func JPEGDataURL(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}
