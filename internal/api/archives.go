package api

import (
	"errors"
	"net/http"

	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/services/filestorage"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetArchive serves a stored batch archive.
func GetArchive(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	filename := c.Param("filename")

	storage := app.Storage()
	if storage == nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Detail: "Archive storage is disabled"})
		return
	}

	if local, ok := storage.(*filestorage.LocalFileStorage); ok {
		p, err := local.Path(filename)
		if err != nil {
			archiveError(c, app, err)
			return
		}

		c.Header("Content-Type", types.ContentTypeZip)
		c.FileAttachment(p, filename)
		return
	}

	file, err := storage.GetFile(c.Request.Context(), filename)
	if err != nil {
		archiveError(c, app, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+file.Filename()+`"`)
	c.Data(http.StatusOK, types.ContentTypeZip, file.Content)
}

func archiveError(c *gin.Context, app *app.App, err error) {
	switch {
	case errors.Is(err, filestorage.ErrNotFound), errors.Is(err, filestorage.ErrInvalidName):
		c.JSON(http.StatusNotFound, types.ErrorResponse{Detail: "Archive not found"})
	default:
		app.Logger.Error("failed to read archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Detail: "Internal server error"})
	}
}
