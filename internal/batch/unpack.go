package batch

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/utils/pathutil"

	"github.com/klauspost/compress/flate"
)

var (
	ErrInvalidArchive  = errors.New("invalid zip archive")
	ErrArchiveTooLarge = errors.New("archive exceeds the extracted size limit")
	ErrNoImages        = errors.New("no images found in archive")
	ErrCorruptEntry    = errors.New("corrupt archive entry")
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// IsImageName reports whether name has one of the accepted image extensions.
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// Unpack reads the images out of a zip archive. maxExtracted bounds the sum
// of the declared uncompressed sizes and is checked before any entry is
// read. Entries that fail to decompress become failed items instead of
// failing the whole archive. When two entries share a name the later one
// wins.
func Unpack(data []byte, maxExtracted int64) ([]*Item, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)

	var declared uint64
	for _, f := range zr.File {
		declared += f.UncompressedSize64
		if maxExtracted > 0 && declared > uint64(maxExtracted) {
			return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrArchiveTooLarge, declared, maxExtracted)
		}
	}

	budget := int64(-1)
	if maxExtracted > 0 {
		budget = maxExtracted
	}

	var (
		items []*Item
		index = make(map[string]int)
	)

	for _, f := range zr.File {
		if skipEntry(f) {
			continue
		}

		data, err := readEntry(f, budget)
		if errors.Is(err, ErrArchiveTooLarge) {
			return nil, err
		}
		if budget >= 0 {
			budget -= int64(len(data))
		}

		item := NewItem(f.Name, data)
		if err != nil {
			item.Fail(fmt.Errorf("%w: %v", ErrCorruptEntry, err))
		}

		if i, ok := index[f.Name]; ok {
			items[i] = item
			continue
		}
		index[f.Name] = len(items)
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, ErrNoImages
	}

	return items, nil
}

func skipEntry(f *zip.File) bool {
	name := f.Name
	if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return true
	}
	if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
		return true
	}
	if !pathutil.IsSafeRelative(name) {
		return true
	}

	return !IsImageName(name)
}

// readEntry decompresses f. Reading more than budget bytes means the
// declared sizes lied and fails with ErrArchiveTooLarge. A negative budget
// is unlimited.
func readEntry(f *zip.File, budget int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := io.Reader(rc)
	if budget >= 0 {
		r = io.LimitReader(rc, budget+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if budget >= 0 && int64(len(data)) > budget {
		return nil, ErrArchiveTooLarge
	}

	return data, nil
}
