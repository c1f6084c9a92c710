package batch

import (
	"context"
	"errors"
	"sync"

	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/google/uuid"
)

type State string

const (
	StateUnpacking  State = "unpacking"
	StateProcessing State = "processing"
	StateAssembling State = "assembling"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Job tracks one archive through the pipeline. It lives for a single
// request.
type Job struct {
	ID string

	mx    sync.Mutex
	state State
	items []*Item
}

func NewJob() *Job {
	return &Job{
		ID:    uuid.NewString(),
		state: StateUnpacking,
	}
}

func (j *Job) State() State {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mx.Lock()
	j.state = s
	j.mx.Unlock()
}

func (j *Job) setItems(items []*Item) {
	j.mx.Lock()
	j.items = items
	j.mx.Unlock()
}

func (j *Job) Items() []*Item {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.items
}

// Counts returns attempted, succeeded and failed item counts.
func (j *Job) Counts() (attempted, succeeded, failed int) {
	for _, item := range j.Items() {
		attempted++
		switch item.Status() {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	return attempted, succeeded, failed
}

// FailedNames lists the names of failed items in archive order.
func (j *Job) FailedNames() []string {
	var names []string
	for _, item := range j.Items() {
		if item.Status() == StatusFailed {
			names = append(names, item.Name)
		}
	}
	return names
}

func (j *Job) Summary() *types.BatchSummary {
	attempted, succeeded, failed := j.Counts()

	summary := &types.BatchSummary{
		JobID:     j.ID,
		Attempted: attempted,
		Succeeded: succeeded,
		Failed:    failed,
		Items:     make([]types.BatchItemSummary, 0, attempted),
	}

	for _, item := range j.Items() {
		s := types.BatchItemSummary{Name: item.Name, Status: string(item.Status())}
		if err := item.Err(); err != nil {
			s.Error = itemDetail(err)
		}
		summary.Items = append(summary.Items, s)
	}

	return summary
}

// maxDetailLen bounds a backend rejection message echoed to the client.
const maxDetailLen = 200

// itemDetail is the client-facing reason for a failed item. Transport
// errors and panics carry internal addresses and stack context, so only
// the backend's own rejection message is passed through.
func itemDetail(err error) string {
	var serr *backend.StatusError

	switch {
	case errors.Is(err, ErrCorruptEntry):
		return "Corrupt archive entry"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, backend.ErrUnavailable):
		return "Inference backend is unavailable"
	case errors.Is(err, ErrEmptyResult):
		return "Inference backend returned no image"
	case backend.IsClientError(err):
		errors.As(err, &serr)
		if serr.Detail == "" {
			return "Rejected by inference backend"
		}
		detail := []rune(serr.Detail)
		if len(detail) > maxDetailLen {
			return string(detail[:maxDetailLen]) + "..."
		}
		return serr.Detail
	case errors.As(err, &serr):
		return "Inference backend failed"
	default:
		return "Processing failed"
	}
}
