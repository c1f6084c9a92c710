// Package backend models the inference service as a capability object.
//
// The gateway never cares whether the service is a supervised child process
// or a remote deployment: both satisfy Backend. HTTPBackend talks to a
// service at a fixed base URL; the supervisor package wraps it with process
// ownership.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/cozy-creator/plate-gateway/internal/types"
)

type Capability string

const (
	CapabilityDetect        Capability = "detect"
	CapabilityDetectAndBlur Capability = "detect-and-blur"
	CapabilityHealth        Capability = "health"
)

func (c Capability) Path() string {
	return "/" + string(c)
}

var (
	ErrUnavailable = errors.New("inference backend unavailable")
	ErrNotRunning  = errors.New("inference backend is not running")
)

// StatusError is returned when the backend answered with a non-2xx status.
type StatusError struct {
	Capability Capability
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s returned status %d", e.Capability, e.StatusCode)
	}

	return fmt.Sprintf("%s returned status %d: %s", e.Capability, e.StatusCode, e.Detail)
}

type Backend interface {
	// Endpoint is the base URL the streaming proxy forwards to.
	Endpoint() *url.URL

	// Call sends one image to a capability and decodes the JSON result.
	Call(ctx context.Context, capability Capability, filename string, image []byte) (*types.DetectionResult, error)

	// Health returns the backend's health payload, or an error wrapping
	// ErrUnavailable.
	Health(ctx context.Context) (json.RawMessage, error)

	State() State

	// Running is false only when the backend is known to be down, for
	// example a supervised process that failed to spawn or exited.
	Running() bool
}

type State int32

const (
	StateStarting State = iota
	StateReady
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Readiness holds the backend lifecycle state. It has a single writer (the
// owner of the backend) and any number of readers.
type Readiness struct {
	v atomic.Int32
}

func NewReadiness(initial State) *Readiness {
	r := &Readiness{}
	r.v.Store(int32(initial))
	return r
}

func (r *Readiness) Load() State {
	return State(r.v.Load())
}

func (r *Readiness) Store(s State) {
	r.v.Store(int32(s))
}

// CompareAndSwap moves from old to new and reports whether it did.
func (r *Readiness) CompareAndSwap(old, new State) bool {
	return r.v.CompareAndSwap(int32(old), int32(new))
}

func (r *Readiness) IsReady() bool {
	return r.Load() == StateReady
}
