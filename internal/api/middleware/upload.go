package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/gin-gonic/gin"
)

// PeekSize bounds how much of an upload is buffered to validate it.
const PeekSize = 64 << 10

var AcceptedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

// UploadError is a validation failure answered before the backend is called.
type UploadError struct {
	Status int
	Reason string
	Detail string
}

func (e *UploadError) Error() string {
	return e.Detail
}

var (
	errNotMultipart = &UploadError{http.StatusUnsupportedMediaType, "not_multipart", "Request must be multipart/form-data"}
	errTooLarge     = &UploadError{http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit"}
	errMissingFile  = &UploadError{http.StatusBadRequest, "missing_file", "Field required: " + backend.FormField}
	errMalformed    = &UploadError{http.StatusBadRequest, "malformed", "Malformed multipart body"}
)

// ValidateImageUpload checks a detection upload without consuming it: the
// first PeekSize bytes are parsed to find the file part and its type, then
// put back in front of the unread body so the proxy forwards the exact
// bytes the client sent.
func ValidateImageUpload(ctx *gin.Context) {
	app := ctx.MustGet("app").(*app.App)
	limit := app.Config().Limits.MaxImageSize

	if err := peekImageUpload(ctx.Writer, ctx.Request, limit); err != nil {
		var uerr *UploadError
		if !errors.As(err, &uerr) {
			uerr = errMalformed
		}

		app.Metrics.RecordRejectedUpload(uerr.Reason)
		ctx.AbortWithStatusJSON(uerr.Status, types.ErrorResponse{Detail: uerr.Detail})
		return
	}

	ctx.Next()
}

// MultipartBoundary returns the boundary of a multipart/form-data request.
func MultipartBoundary(r *http.Request) (string, error) {
	mediatype, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediatype != "multipart/form-data" || params["boundary"] == "" {
		return "", errNotMultipart
	}

	return params["boundary"], nil
}

// LimitBody rejects a declared Content-Length above limit and caps the
// body at limit for chunked uploads.
func LimitBody(w http.ResponseWriter, r *http.Request, limit int64) error {
	if r.ContentLength > limit {
		return errTooLarge
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return nil
}

// IsTooLarge reports whether err came from a body size limit.
func IsTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, errTooLarge)
}

func peekImageUpload(w http.ResponseWriter, r *http.Request, limit int64) error {
	boundary, err := MultipartBoundary(r)
	if err != nil {
		return err
	}

	if err := LimitBody(w, r, limit); err != nil {
		return err
	}

	body := r.Body
	prefix := make([]byte, PeekSize)
	n, err := io.ReadFull(body, prefix)
	complete := false
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		complete = true
	case IsTooLarge(err):
		return errTooLarge
	default:
		return fmt.Errorf("reading upload: %w", err)
	}
	prefix = prefix[:n]

	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), body), body}

	return checkImagePart(prefix, boundary, complete)
}

// checkImagePart looks for the file part inside prefix. complete tells
// whether prefix is the whole body.
func checkImagePart(prefix []byte, boundary string, complete bool) error {
	mr := multipart.NewReader(bytes.NewReader(prefix), boundary)

	for {
		part, err := mr.NextPart()
		if err != nil {
			if complete && errors.Is(err, io.EOF) {
				return errMissingFile
			}
			if complete {
				return errMalformed
			}
			// The file part starts beyond the peeked prefix; the backend
			// validates it.
			return nil
		}

		if part.FormName() != backend.FormField || part.FileName() == "" {
			continue
		}

		// The declared type is what the backend checks, so it is the only
		// one that counts here.
		contentType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		contentType = strings.ToLower(contentType)
		if AcceptedImageTypes[contentType] {
			return nil
		}
		if contentType == "" {
			contentType = "unknown"
		}

		return &UploadError{
			Status: http.StatusBadRequest,
			Reason: "wrong_type",
			Detail: fmt.Sprintf("Invalid file type: %s. Accepted types: %s", contentType, acceptedList()),
		}
	}
}

func acceptedList() string {
	list := make([]string, 0, len(AcceptedImageTypes))
	for t := range AcceptedImageTypes {
		list = append(list, t)
	}
	sort.Strings(list)
	return strings.Join(list, ", ")
}
