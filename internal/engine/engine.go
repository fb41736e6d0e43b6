// Package engine is the upload engine behind a file field.
//
// An Engine tracks a set of files through the states queued, uploading,
// paused, error and complete. It enforces restrictions when files are
// added, transfers queued files through an installed transport with bounded
// parallelism, and reports everything that happens as events.
//
// Events are delivered serially by one dispatch goroutine, in the order they
// were produced. For transfers that order is completion order, not the order
// in which files were added.
//
// Capabilities are added with plugins: a transport (see HTTPTransport) and
// optional add-ons such as local persistence. Close releases the engine and
// every plugin; in-flight transfers are cancelled and never awaited, and
// events produced after Close are dropped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrClosed          = errors.New("upload engine closed")
	ErrNoUploader      = errors.New("no upload transport installed")
	ErrFileNotFound    = errors.New("file not found")
	ErrDuplicatePlugin = errors.New("plugin already installed")
	ErrInvalidState    = errors.New("file cannot do that in its current state")
)

// DefaultEventBuffer is the capacity of the event queue.
const DefaultEventBuffer = 128

// Uploader transfers one file's content and reports the response.
type Uploader interface {
	Upload(ctx context.Context, f File, body io.Reader) (Response, error)
}

// Plugin extends an engine. Install runs once when the plugin is added and
// Uninstall once when the engine closes.
type Plugin interface {
	Name() string
	Install(e *Engine) error
	Uninstall()
}

// Options configure a new Engine.
type Options struct {
	ID           string
	Restrictions Restrictions
	Logger       *slog.Logger
	EventBuffer  int
}

type entry struct {
	file   File
	open   OpenFunc
	cancel context.CancelFunc
}

type registration struct {
	id int
	h  Handler
}

// Engine tracks files and their transfers. Create one with New and release
// it with Close.
type Engine struct {
	id           string
	restrictions Restrictions
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	files    map[string]*entry
	order    []string
	plugins  []Plugin
	uploader Uploader
	limiter  *Limiter
	closed   bool

	hmu         sync.RWMutex
	handlers    []registration
	nextHandler int

	events       chan Event
	done         chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
}

// New creates an engine and starts its event dispatcher.
func New(opts Options) (*Engine, error) {
	if opts.ID == "" {
		return nil, errors.New("engine id is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:           opts.ID,
		restrictions: opts.Restrictions,
		logger:       opts.Logger.With("engine_id", opts.ID),
		ctx:          ctx,
		cancel:       cancel,
		files:        make(map[string]*entry),
		events:       make(chan Event, opts.EventBuffer),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go e.dispatch()
	return e, nil
}

// ID returns the engine identity.
func (e *Engine) ID() string { return e.id }

// Restrictions returns the restrictions the engine was created with.
func (e *Engine) Restrictions() Restrictions { return e.restrictions }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// On registers a handler and returns a function that unregisters it.
func (e *Engine) On(h Handler) func() {
	e.hmu.Lock()
	e.nextHandler++
	id := e.nextHandler
	e.handlers = append(e.handlers, registration{id: id, h: h})
	e.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.hmu.Lock()
			defer e.hmu.Unlock()
			for i, r := range e.handlers {
				if r.id == id {
					e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Use installs a plugin.
func (e *Engine) Use(p Plugin) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	for _, existing := range e.plugins {
		if existing.Name() == p.Name() {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
		}
	}
	e.plugins = append(e.plugins, p)
	e.mu.Unlock()

	if err := p.Install(e); err != nil {
		e.mu.Lock()
		for i, existing := range e.plugins {
			if existing == p {
				e.plugins = append(e.plugins[:i], e.plugins[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("install %s: %w", p.Name(), err)
	}
	return nil
}

// SetUploader installs the transport used by Upload. It is meant to be
// called from a transport plugin's Install.
func (e *Engine) SetUploader(u Uploader, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploader = u
	e.limiter = NewLimiter(limit, 0)
}

// AddFile queues a file after checking the engine's restrictions.
func (e *Engine) AddFile(src Source) (File, error) {
	if src.Open == nil {
		return File{}, fmt.Errorf("add %s: source has no content", src.Name)
	}
	if src.Type == "" {
		src.Type = mime.TypeByExtension(filepath.Ext(src.Name))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return File{}, ErrClosed
	}
	if err := e.restrictions.check(len(e.files), src); err != nil {
		e.mu.Unlock()
		e.logger.Info("file rejected", "name", src.Name, "error", err)
		e.emit(FileRejected{Name: src.Name, Err: err})
		return File{}, err
	}

	f := File{
		ID:    uuid.NewString(),
		Name:  src.Name,
		Type:  src.Type,
		Size:  src.Size,
		State: StateQueued,
	}
	e.files[f.ID] = &entry{file: f, open: src.Open}
	e.order = append(e.order, f.ID)
	e.mu.Unlock()

	e.emit(FileAdded{File: f})
	return f, nil
}

// Restore re-inserts a file known from an earlier engine with the same id.
// Interrupted transfers come back queued. No event is emitted.
func (e *Engine) Restore(f File, open OpenFunc) error {
	if f.ID == "" {
		return errors.New("restore: file id is required")
	}
	if f.State == StateUploading {
		f.State = StateQueued
	}
	if f.State != StateComplete && open == nil {
		return fmt.Errorf("restore %s: no content to resume from", f.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, exists := e.files[f.ID]; exists {
		return nil
	}
	e.files[f.ID] = &entry{file: f, open: open}
	e.order = append(e.order, f.ID)
	return nil
}

// RemoveFile stops tracking a file, cancelling its transfer if one is
// running, and emits FileRemoved.
func (e *Engine) RemoveFile(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	en, ok := e.files[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	delete(e.files, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	cancel := en.cancel
	f := en.file
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.emit(FileRemoved{File: f})
	return nil
}

// Pause holds a queued file back from the next Upload. An uploading file
// has its transfer cancelled.
func (e *Engine) Pause(id string) error {
	return e.transition(id, func(en *entry) bool {
		switch en.file.State {
		case StateQueued:
		case StateUploading:
			if en.cancel != nil {
				en.cancel()
				en.cancel = nil
			}
		default:
			return false
		}
		en.file.State = StatePaused
		return true
	})
}

// Resume queues a paused file again.
func (e *Engine) Resume(id string) error {
	return e.transition(id, func(en *entry) bool {
		if en.file.State != StatePaused {
			return false
		}
		en.file.State = StateQueued
		return true
	})
}

// Retry queues a failed file again.
func (e *Engine) Retry(id string) error {
	return e.transition(id, func(en *entry) bool {
		if en.file.State != StateError {
			return false
		}
		en.file.State = StateQueued
		en.file.Err = nil
		return true
	})
}

func (e *Engine) transition(id string, fn func(*entry) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	en, ok := e.files[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if !fn(en) {
		return fmt.Errorf("%w: file %s is %s", ErrInvalidState, id, en.file.State)
	}
	return nil
}

// Files returns snapshots of every tracked file in the order they were added.
func (e *Engine) Files() []File {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]File, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.files[id].file)
	}
	return out
}

// File returns a snapshot of one tracked file.
func (e *Engine) File(id string) (File, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.files[id]
	if !ok {
		return File{}, false
	}
	return en.file, true
}

// Open returns a reader over a tracked file's content.
func (e *Engine) Open(id string) (io.ReadCloser, error) {
	e.mu.Lock()
	en, ok := e.files[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if en.open == nil {
		return nil, fmt.Errorf("file %s has no content", id)
	}
	return en.open()
}

// Status reports transfer slot usage.
func (e *Engine) Status() LimiterStatus {
	e.mu.Lock()
	l := e.limiter
	e.mu.Unlock()
	if l == nil {
		return LimiterStatus{}
	}
	return l.Status()
}

type job struct {
	file   File
	open   OpenFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// Upload transfers every queued file and blocks until all of them settled.
// Per-file outcomes are reported as UploadSuccess or UploadError events in
// completion order, followed by one Complete event.
func (e *Engine) Upload(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, ErrClosed
	}
	if e.uploader == nil {
		e.mu.Unlock()
		return Result{}, ErrNoUploader
	}
	uploader, limiter := e.uploader, e.limiter

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	var batch []job
	for _, id := range e.order {
		en := e.files[id]
		if en.file.State != StateQueued {
			continue
		}
		fctx, fcancel := context.WithCancel(ctx)
		en.file.State = StateUploading
		en.cancel = fcancel
		batch = append(batch, job{file: en.file, open: en.open, ctx: fctx, cancel: fcancel})
	}
	e.mu.Unlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result Result
	)
	for _, j := range batch {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer j.cancel()

			f, ok := e.transfer(j, uploader, limiter)
			if !ok {
				return
			}
			mu.Lock()
			if f.State == StateComplete {
				result.Successful = append(result.Successful, f)
			} else {
				result.Failed = append(result.Failed, f)
			}
			mu.Unlock()
		}(j)
	}
	wg.Wait()

	e.emit(Complete{Result: result})
	return result, nil
}

func (e *Engine) transfer(j job, uploader Uploader, limiter *Limiter) (File, bool) {
	if err := limiter.Acquire(j.ctx); err != nil {
		return e.finish(j.file.ID, Response{}, err)
	}
	defer limiter.Release()

	e.emit(UploadStarted{File: j.file})

	body, err := j.open()
	if err != nil {
		return e.finish(j.file.ID, Response{}, fmt.Errorf("open %s: %w", j.file.Name, err))
	}
	defer body.Close()

	resp, err := uploader.Upload(j.ctx, j.file, body)
	return e.finish(j.file.ID, resp, err)
}

// finish records a transfer outcome. Outcomes for files that were removed,
// paused, or whose engine closed meanwhile are dropped.
func (e *Engine) finish(id string, resp Response, err error) (File, bool) {
	e.mu.Lock()
	en, ok := e.files[id]
	if !ok || e.closed || en.file.State != StateUploading {
		e.mu.Unlock()
		return File{}, false
	}
	en.cancel = nil
	if err != nil {
		en.file.State = StateError
		en.file.Err = err
	} else {
		en.file.State = StateComplete
		r := resp
		en.file.Response = &r
	}
	f := en.file
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("upload failed", "file_id", f.ID, "name", f.Name, "error", err)
		e.emit(UploadError{File: f, Err: err})
	} else {
		e.logger.Debug("upload succeeded", "file_id", f.ID, "name", f.Name, "status", resp.Status)
		e.emit(UploadSuccess{File: f, Response: resp})
	}
	return f, true
}

// Close releases the engine. It is safe to call more than once; only the
// first call does any work. Close must not be called from a Handler.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		plugins := e.plugins
		e.plugins = nil
		for _, en := range e.files {
			if en.cancel != nil {
				en.cancel()
				en.cancel = nil
			}
		}
		e.mu.Unlock()

		e.cancel()
		for i := len(plugins) - 1; i >= 0; i-- {
			plugins[i].Uninstall()
		}

		close(e.done)
		<-e.dispatchDone
		e.logger.Debug("engine closed")
	})
	return nil
}

func (e *Engine) emit(ev Event) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) dispatch() {
	defer close(e.dispatchDone)
	for {
		select {
		case ev := <-e.events:
			e.deliver(ev)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) deliver(ev Event) {
	e.hmu.RLock()
	regs := make([]registration, len(e.handlers))
	copy(regs, e.handlers)
	e.hmu.RUnlock()

	for _, r := range regs {
		e.safeCall(r.h, ev)
	}
}

func (e *Engine) safeCall(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("event handler panicked", "event", Name(ev), "panic", rec)
		}
	}()
	h(ev)
}
