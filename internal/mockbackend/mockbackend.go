// Package mockbackend is a stand-in inference service for development and
// tests. It speaks the same HTTP contract as the real detector and reports
// one plate-shaped box per image.
package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/types"
	"github.com/cozy-creator/plate-gateway/internal/utils/imageutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// ReadyLine is printed once the listener is accepting connections.
	ReadyLine = "INFO:     Application startup complete."

	MockConfidence = 0.87
	BlurKernelSize = 41
	JPEGQuality    = 90

	maxUpload = 32 << 20
)

var acceptedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

type Server struct {
	confThreshold float64
	logger        *zap.Logger
	engine        *gin.Engine
}

type Option func(*Server)

// WithConfThreshold drops detections below threshold.
func WithConfThreshold(threshold float64) Option {
	return func(s *Server) {
		s.confThreshold = threshold
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(opts ...Option) *Server {
	s := &Server{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/detect", s.detect)
	r.POST("/detect-and-blur", s.detectAndBlur)
	r.GET("/health", s.health)
	s.engine = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on l until ctx is done. The ready line is
// written to out after the listener is up.
func (s *Server) Serve(ctx context.Context, l net.Listener, out io.Writer) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()

	fmt.Fprintf(out, "INFO:     Uvicorn-compatible mock running on http://%s\n", l.Addr())
	fmt.Fprintln(out, ReadyLine)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Detect returns the mock detection for an image of the given size: one
// box across the lower middle, where a plate usually sits.
func Detect(width, height int) []types.Detection {
	x1 := float64(int(float64(width) * 0.25))
	y1 := float64(int(float64(height) * 0.6))
	x2 := float64(int(float64(width) * 0.75))
	y2 := float64(int(float64(height) * 0.85))

	return []types.Detection{{BBox: []float64{x1, y1, x2, y2}, Conf: MockConfidence}}
}

func (s *Server) run(c *gin.Context) (*decoded, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, types.ErrorResponse{Detail: "Field required: file"})
		return nil, false
	}

	contentType := fh.Header.Get("Content-Type")
	if !acceptedTypes[contentType] {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Detail: fmt.Sprintf("Invalid file type: %s. Accepted types: %s", contentType, acceptedList()),
		})
		return nil, false
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: err.Error()})
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: err.Error()})
		return nil, false
	}

	img, _, err := imageutil.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: "Could not decode image. Please upload a valid image file."})
		return nil, false
	}

	b := img.Bounds()
	var detections []types.Detection
	for _, d := range Detect(b.Dx(), b.Dy()) {
		if d.Conf >= s.confThreshold {
			detections = append(detections, d)
		}
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Conf > detections[j].Conf
	})

	s.logger.Debug("mock detection",
		zap.String("filename", fh.Filename),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.Int("detections", len(detections)),
	)

	return &decoded{img: img, detections: detections}, true
}

func (s *Server) detect(c *gin.Context) {
	d, ok := s.run(c)
	if !ok {
		return
	}

	annotated, err := imageutil.JPEGDataURL(Annotate(d.img, d.detections), JPEGQuality)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Detail: fmt.Sprintf("Detection failed: %v", err)})
		return
	}

	c.JSON(http.StatusOK, d.result(func(r *types.DetectionResult) {
		r.ImageAnnotatedBase64 = annotated
	}))
}

func (s *Server) detectAndBlur(c *gin.Context) {
	d, ok := s.run(c)
	if !ok {
		return
	}

	// Blurred boxes are reported in whole pixels.
	for i := range d.detections {
		for j, v := range d.detections[i].BBox {
			d.detections[i].BBox[j] = float64(int(v))
		}
	}

	blurred, err := imageutil.JPEGDataURL(BlurRegions(d.img, d.detections, BlurKernelSize), JPEGQuality)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Detail: fmt.Sprintf("Detection failed: %v", err)})
		return
	}

	c.JSON(http.StatusOK, d.result(func(r *types.DetectionResult) {
		r.ImageBlurredBase64 = blurred
	}))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         types.BackendHealthy,
		"model_loaded":   false,
		"yolo_available": false,
	})
}

type decoded struct {
	img        image.Image
	detections []types.Detection
}

func (d *decoded) result(set func(*types.DetectionResult)) *types.DetectionResult {
	b := d.img.Bounds()
	width, height := b.Dx(), b.Dy()

	r := &types.DetectionResult{
		Detections:  d.detections,
		ImageWidth:  &width,
		ImageHeight: &height,
	}
	if r.Detections == nil {
		r.Detections = []types.Detection{}
	}
	set(r)

	return r
}

func acceptedList() string {
	list := make([]string, 0, len(acceptedTypes))
	for t := range acceptedTypes {
		list = append(list, t)
	}
	sort.Strings(list)
	return strings.Join(list, ", ")
}
