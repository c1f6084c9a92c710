// Package batch turns an archive of images into an archive of blurred
// images: unpack, one backend call per image, repack.
package batch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/metrics"

	"github.com/gammazero/workerpool"
	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
)

// ErrNoSuccesses is returned when every item failed. The job is reported
// but no archive is produced.
var ErrNoSuccesses = errors.New("no images were processed successfully")

const DefaultConcurrency = 3

type Pipeline struct {
	processor    Processor
	concurrency  int
	maxExtracted int64
	itemTimeout  time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collector
	progress     func(*Item)
	start        func(total int)
}

type Option func(*Pipeline)

func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithMaxExtractedSize(n int64) Option {
	return func(p *Pipeline) {
		p.maxExtracted = n
	}
}

func WithItemTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.itemTimeout = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(p *Pipeline) {
		p.metrics = collector
	}
}

// WithProgress registers a callback run after each item reaches a terminal
// status. It is called from worker goroutines.
func WithProgress(fn func(*Item)) Option {
	return func(p *Pipeline) {
		p.progress = fn
	}
}

// WithStart registers a callback run once the archive is unpacked, with
// the number of items about to be processed.
func WithStart(fn func(total int)) Option {
	return func(p *Pipeline) {
		p.start = fn
	}
}

func NewPipeline(processor Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		processor:   processor,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("batch")

	return p
}

type Result struct {
	Job     *Job
	Archive []byte
}

// ProcessArchive runs the whole pipeline. Archive-level problems
// (ErrInvalidArchive, ErrArchiveTooLarge, ErrNoImages, ErrNoSuccesses) are
// returned as errors; a result carrying the job is returned alongside
// ErrNoSuccesses so callers can still report per-item failures.
func (p *Pipeline) ProcessArchive(ctx context.Context, data []byte) (*Result, error) {
	job := NewJob()
	logger := p.logger.With(zap.String("job_id", job.ID))

	items, err := Unpack(data, p.maxExtracted)
	if err != nil {
		job.setState(StateFailed)
		p.metrics.RecordBatchJob(string(StateFailed))
		logger.Info("rejected archive", zap.Error(err))
		return nil, err
	}
	job.setItems(items)
	if p.start != nil {
		p.start(len(items))
	}

	job.setState(StateProcessing)
	logger.Info("processing archive", zap.Int("items", len(items)), zap.Int("concurrency", p.concurrency))
	p.Process(ctx, items)

	job.setState(StateAssembling)
	attempted, succeeded, failed := job.Counts()
	if succeeded == 0 {
		job.setState(StateFailed)
		p.metrics.RecordBatchJob(string(StateFailed))
		logger.Warn("no item succeeded", zap.Int("attempted", attempted))
		return &Result{Job: job}, ErrNoSuccesses
	}

	archive, err := Assemble(items)
	if err != nil {
		job.setState(StateFailed)
		p.metrics.RecordBatchJob(string(StateFailed))
		return &Result{Job: job}, err
	}

	job.setState(StateDone)
	p.metrics.RecordBatchJob(string(StateDone))
	logger.Info("archive processed",
		zap.Int("attempted", attempted),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)

	return &Result{Job: job, Archive: archive}, nil
}

// Process sends every pending item to the processor, at most concurrency
// at a time, and returns once all of them are terminal. Items already
// terminal are left untouched.
func (p *Pipeline) Process(ctx context.Context, items []*Item) {
	wp := workerpool.New(p.concurrency)

	for _, item := range items {
		if item.Status() != StatusPending {
			if err := item.Err(); err != nil {
				p.logger.Info("item failed", zap.String("name", item.Name), zap.Error(err))
			}
			p.finish(item)
			continue
		}

		item := item
		wp.Submit(func() {
			p.processItem(ctx, item)
		})
	}

	wp.StopWait()
}

func (p *Pipeline) processItem(ctx context.Context, item *Item) {
	defer p.finish(item)

	if err := ctx.Err(); err != nil {
		item.Fail(err)
		return
	}

	if p.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.itemTimeout)
		defer cancel()
	}

	result, err := p.process(ctx, item)
	if err != nil {
		// A deadline surfaces from the transport as a generic unavailable
		// error; keep the cause visible to errors.Is.
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %v", cerr, err)
		}
		p.logger.Info("item failed", zap.String("name", item.Name), zap.Error(err))
		item.Fail(err)
		return
	}

	item.Succeed(result)
}

func (p *Pipeline) process(ctx context.Context, item *Item) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()

	return p.processor.Process(ctx, item.Name, item.Data)
}

func (p *Pipeline) finish(item *Item) {
	p.metrics.RecordBatchItem(string(item.Status()))
	if p.progress != nil {
		p.progress(item)
	}
}

// Assemble writes the succeeded items into a new zip archive under their
// original names. Failed items are left out.
func Assemble(items []*Item) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	for _, item := range items {
		if item.Status() != StatusSucceeded {
			continue
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     item.Name,
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", item.Name, err)
		}

		if _, err := w.Write(item.Result()); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", item.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	return buf.Bytes(), nil
}
