package batch

import (
	"sync"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Item is one image taken from an input archive. Its status moves from
// pending to a terminal status exactly once; later transitions are ignored.
type Item struct {
	Name string
	Data []byte

	mx     sync.Mutex
	status Status
	err    error
	result []byte
}

func NewItem(name string, data []byte) *Item {
	return &Item{Name: name, Data: data, status: StatusPending}
}

func (i *Item) Status() Status {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.status
}

func (i *Item) Err() error {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.err
}

func (i *Item) Result() []byte {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.result
}

// Succeed records the processed bytes. It reports false if the item was
// already terminal.
func (i *Item) Succeed(result []byte) bool {
	i.mx.Lock()
	defer i.mx.Unlock()

	if i.status != StatusPending {
		return false
	}
	i.status = StatusSucceeded
	i.result = result
	return true
}

// Fail records why the item could not be processed. It reports false if the
// item was already terminal.
func (i *Item) Fail(err error) bool {
	i.mx.Lock()
	defer i.mx.Unlock()

	if i.status != StatusPending {
		return false
	}
	i.status = StatusFailed
	i.err = err
	i.Data = nil
	return true
}
