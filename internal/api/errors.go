package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/api/middleware"
	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/batch"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/vmihailenco/msgpack/v5"
)

// StatusFor maps an error to the HTTP status returned to the caller.
func StatusFor(err error) int {
	var uerr *middleware.UploadError
	switch {
	case errors.As(err, &uerr):
		return uerr.Status
	case middleware.IsTooLarge(err), errors.Is(err, batch.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, batch.ErrInvalidArchive), errors.Is(err, batch.ErrNoImages):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrNoSuccesses):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// detailFor is the caller-facing message for err. Internal errors are not
// echoed back.
func detailFor(err error) string {
	var uerr *middleware.UploadError
	switch {
	case errors.As(err, &uerr):
		return uerr.Detail
	case middleware.IsTooLarge(err), errors.Is(err, batch.ErrArchiveTooLarge):
		return "Archive exceeds the size limit"
	case errors.Is(err, batch.ErrInvalidArchive):
		return "Uploaded file is not a valid zip archive"
	case errors.Is(err, batch.ErrNoImages):
		return "Archive contains no images (.jpg, .jpeg, .png, .webp)"
	case errors.Is(err, batch.ErrNoSuccesses):
		return "None of the images in the archive could be processed"
	case errors.Is(err, backend.ErrUnavailable):
		return "Inference backend is unavailable"
	default:
		return "Internal server error"
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), types.ErrorResponse{Detail: detailFor(err)})
}

type format int

const (
	formatZip format = iota
	formatJSON
	formatMsgPack
)

// negotiate picks the blur-zip response format. ?format= wins over Accept;
// anything unrecognised gets the archive.
func negotiate(c *gin.Context) format {
	switch strings.ToLower(c.Query("format")) {
	case "json":
		return formatJSON
	case "msgpack":
		return formatMsgPack
	case "zip":
		return formatZip
	}

	accept := c.GetHeader("Accept")
	switch {
	case strings.Contains(accept, types.ContentTypeMsgPack):
		return formatMsgPack
	case strings.Contains(accept, types.ContentTypeJSON):
		return formatJSON
	default:
		return formatZip
	}
}

// render writes v as msgpack when asked for, JSON otherwise.
func render(c *gin.Context, f format, status int, v any) {
	if f != formatMsgPack {
		c.JSON(status, v)
		return
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Detail: "Internal server error"})
		return
	}
	c.Data(status, types.ContentTypeMsgPack, data)
}
