package types

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgPack = "application/msgpack"
	ContentTypeZip     = "application/zip"
)

const (
	BackendHealthy     = "healthy"
	BackendUnavailable = "unavailable"
)

// Detection is one bounding box reported by the inference service.
// BBox is [x1, y1, x2, y2] in pixels.
type Detection struct {
	BBox []float64 `json:"bbox" msgpack:"bbox"`
	Conf float64   `json:"conf" msgpack:"conf"`
}

// Valid reports whether the box is well formed and the confidence lies in [0, 1].
func (d Detection) Valid() bool {
	if len(d.BBox) != 4 {
		return false
	}

	return d.BBox[0] < d.BBox[2] && d.BBox[1] < d.BBox[3] && d.Conf >= 0 && d.Conf <= 1
}

// DetectionResult is the body returned by the detect and detect-and-blur
// capabilities. Only one of the two image fields is set, depending on the
// capability.
type DetectionResult struct {
	Detections           []Detection `json:"detections"`
	ImageAnnotatedBase64 string      `json:"image_annotated_base64,omitempty"`
	ImageBlurredBase64   string      `json:"image_blurred_base64,omitempty"`
	ImageWidth           *int        `json:"image_width,omitempty"`
	ImageHeight          *int        `json:"image_height,omitempty"`
}

type ErrorResponse struct {
	Detail string `json:"detail" msgpack:"detail"`
}

type HealthResponse struct {
	Gateway string `json:"gateway"`
	Backend any    `json:"backend"`
	State   string `json:"state"`
}

type BatchItemSummary struct {
	Name   string `json:"name" msgpack:"name"`
	Status string `json:"status" msgpack:"status"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`
}

type BatchSummary struct {
	JobID      string             `json:"job_id" msgpack:"job_id"`
	Attempted  int                `json:"attempted" msgpack:"attempted"`
	Succeeded  int                `json:"succeeded" msgpack:"succeeded"`
	Failed     int                `json:"failed" msgpack:"failed"`
	Items      []BatchItemSummary `json:"items" msgpack:"items"`
	ArchiveURL string             `json:"archive_url,omitempty" msgpack:"archive_url,omitempty"`
}

// BatchFailure is returned when a batch job fails as a whole.
type BatchFailure struct {
	Detail  string        `json:"detail" msgpack:"detail"`
	Summary *BatchSummary `json:"summary,omitempty" msgpack:"summary,omitempty"`
}
