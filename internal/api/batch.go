package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/api/middleware"
	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/batch"
	"github.com/cozy-creator/plate-gateway/internal/services/filestorage"
	"github.com/cozy-creator/plate-gateway/internal/types"
	"github.com/cozy-creator/plate-gateway/internal/utils/hashutil"
	"github.com/cozy-creator/plate-gateway/internal/utils/webhookutil"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderJobID       = "X-Batch-Job-Id"
	HeaderAttempted   = "X-Batch-Attempted"
	HeaderSucceeded   = "X-Batch-Succeeded"
	HeaderFailed      = "X-Batch-Failed"
	HeaderFailedItems = "X-Batch-Failed-Items"
	HeaderArchiveURL  = "X-Batch-Archive-Url"

	webhookAttempts = 3
)

var errNotZip = &middleware.UploadError{
	Status: http.StatusBadRequest,
	Reason: "wrong_type",
	Detail: "Uploaded file must be a zip archive",
}

// BlurZip runs the batch pipeline over an uploaded zip archive.
func BlurZip(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	f := negotiate(c)

	data, err := readArchive(c.Writer, c.Request, app.Config().Limits.MaxArchiveSize)
	if err != nil {
		app.Logger.Info("rejected batch upload", zap.Error(err))
		if uerr := (*middleware.UploadError)(nil); errors.As(err, &uerr) {
			app.Metrics.RecordRejectedUpload(uerr.Reason)
		}
		abortWithError(c, err)
		return
	}

	res, err := app.Pipeline().ProcessArchive(c.Request.Context(), data)
	if err != nil {
		if errors.Is(err, batch.ErrNoSuccesses) && res != nil {
			summary := res.Job.Summary()
			notify(app, summary)
			render(c, f, http.StatusUnprocessableEntity, types.BatchFailure{
				Detail:  detailFor(err),
				Summary: summary,
			})
			return
		}

		if StatusFor(err) == http.StatusInternalServerError {
			app.Logger.Error("batch job failed", zap.Error(err))
		}
		abortWithError(c, err)
		return
	}

	summary := res.Job.Summary()
	if archiveURL := storeArchive(c.Request.Context(), app, res.Archive); archiveURL != "" {
		summary.ArchiveURL = archiveURL
	}
	notify(app, summary)

	if f != formatZip {
		render(c, f, http.StatusOK, summary)
		return
	}

	setBatchHeaders(c, summary, res.Job.FailedNames())
	c.Header("Content-Disposition", `attachment; filename="blurred.zip"`)
	c.Data(http.StatusOK, types.ContentTypeZip, res.Archive)
}

func setBatchHeaders(c *gin.Context, summary *types.BatchSummary, failed []string) {
	c.Header(HeaderJobID, summary.JobID)
	c.Header(HeaderAttempted, strconv.Itoa(summary.Attempted))
	c.Header(HeaderSucceeded, strconv.Itoa(summary.Succeeded))
	c.Header(HeaderFailed, strconv.Itoa(summary.Failed))

	if len(failed) > 0 {
		escaped := make([]string, len(failed))
		for i, name := range failed {
			escaped[i] = url.PathEscape(name)
		}
		c.Header(HeaderFailedItems, strings.Join(escaped, ","))
	}

	if summary.ArchiveURL != "" {
		c.Header(HeaderArchiveURL, summary.ArchiveURL)
	}
}

// readArchive pulls the zip out of the "file" part of a multipart body,
// reading at most limit bytes.
func readArchive(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	boundary, err := middleware.MultipartBoundary(r)
	if err != nil {
		return nil, err
	}

	if err := middleware.LimitBody(w, r, limit); err != nil {
		return nil, err
	}

	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, &middleware.UploadError{
				Status: http.StatusBadRequest,
				Reason: "missing_file",
				Detail: "Field required: " + backend.FormField,
			}
		}
		if err != nil {
			if middleware.IsTooLarge(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", batch.ErrInvalidArchive, err)
		}

		if part.FormName() != backend.FormField || part.FileName() == "" {
			continue
		}

		data, err := io.ReadAll(part)
		if err != nil {
			if middleware.IsTooLarge(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", batch.ErrInvalidArchive, err)
		}

		if !isZip(part.FileName(), data) {
			return nil, errNotZip
		}

		return data, nil
	}
}

func isZip(filename string, data []byte) bool {
	if mimetype.Detect(data).Is("application/zip") {
		return true
	}

	return strings.EqualFold(path.Ext(filename), ".zip")
}

// storeArchive persists the archive under its content hash and returns
// its URL. Storage failures only cost the URL.
func storeArchive(ctx context.Context, app *app.App, archive []byte) string {
	storage := app.Storage()
	if storage == nil {
		return ""
	}

	file := filestorage.NewFileInfo(hashutil.Blake3Hash(archive), ".zip", archive)
	archiveURL, err := storage.Upload(ctx, file)
	if err != nil {
		app.Logger.Warn("failed to store archive", zap.String("name", file.Filename()), zap.Error(err))
		return ""
	}

	return archiveURL
}

// notify posts the summary to the configured webhook in the background.
func notify(app *app.App, summary *types.BatchSummary) {
	hook := app.Config().Batch.WebhookURL
	if hook == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(app.Context(), 2*time.Minute)
		defer cancel()

		if err := webhookutil.InvokeWithRetries(ctx, hook, summary, webhookAttempts, time.Second); err != nil {
			app.Logger.Warn("batch webhook failed", zap.String("job_id", summary.JobID), zap.Error(err))
		}
	}()
}
