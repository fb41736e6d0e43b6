package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"slices"
	"sync"

	"github.com/JonMunkholm/uploadfield/internal/engine"
	"github.com/JonMunkholm/uploadfield/internal/field"
)

// RequiredMessage is the validation error of a required field without files.
const RequiredMessage = "At least one file is required"

// FormHost is the server-side host form. It owns each field's committed
// value and hands it back to the field on every change, the way a form
// library owns its inputs.
type FormHost struct {
	opts      field.ManagerOptions
	dashboard *Dashboard
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	fields map[string]*hostedField
}

// FieldState is the host's record of one field.
type FieldState struct {
	Value    []string
	Config   field.Config
	Required bool
	Disabled bool
	Touched  bool
	Account  string
}

type hostedField struct {
	id    string
	field *field.Field
	host  *FormHost

	mu       sync.Mutex
	state    FieldState
	rejected []error
}

// NewFormHost returns an empty host whose fields spool pending files into
// spoolDir.
func NewFormHost(opts field.ManagerOptions, spoolDir string) *FormHost {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FormHost{
		opts:      opts,
		dashboard: NewDashboard(spoolDir, opts.Logger),
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		fields:    make(map[string]*hostedField),
	}
}

// Mount adds a field to the form and starts its session. Mounting an id
// again replaces the earlier field.
func (h *FormHost) Mount(id string, cfg field.Config, required bool, account string) error {
	hf := &hostedField{
		id:    id,
		field: field.New(h.opts),
		host:  h,
		state: FieldState{Value: []string{}, Config: cfg, Required: required, Account: account},
	}

	h.mu.Lock()
	old := h.fields[id]
	h.fields[id] = hf
	h.mu.Unlock()
	if old != nil {
		old.field.Unmount()
	}

	hf.mu.Lock()
	props := hf.propsLocked()
	hf.mu.Unlock()
	return hf.field.Mount(props, h.dashboard)
}

// get returns the hosted field mounted under id.
func (h *FormHost) get(id string) (*hostedField, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hf, ok := h.fields[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, id)
	}
	return hf, nil
}

// Field returns the live field mounted under id.
func (h *FormHost) Field(id string) (*field.Field, error) {
	hf, err := h.get(id)
	if err != nil {
		return nil, err
	}
	return hf.field, nil
}

// State returns a copy of the host's record of a field.
func (h *FormHost) State(id string) (FieldState, error) {
	hf, err := h.get(id)
	if err != nil {
		return FieldState{}, err
	}
	hf.mu.Lock()
	defer hf.mu.Unlock()
	s := hf.state
	s.Value = slices.Clone(s.Value)
	return s, nil
}

// Value returns the committed value of a field.
func (h *FormHost) Value(id string) ([]string, error) {
	s, err := h.State(id)
	if err != nil {
		return nil, err
	}
	return s.Value, nil
}

// AddFiles offers the files to the field's engine and starts transferring
// the accepted ones in the background. Restriction failures are returned
// and kept for the next render.
func (h *FormHost) AddFiles(id string, files []*multipart.FileHeader) ([]error, error) {
	hf, err := h.get(id)
	if err != nil {
		return nil, err
	}
	if hf.snapshot().Disabled {
		return nil, nil
	}
	eng := hf.field.Engine()
	if eng == nil {
		return nil, field.ErrNoContainer
	}

	var rejected []error
	accepted := 0
	for _, fh := range files {
		if err := h.dashboard.Add(id, fh); err != nil {
			if !errors.Is(err, engine.ErrRestriction) {
				return rejected, err
			}
			rejected = append(rejected, err)
			continue
		}
		accepted++
	}

	hf.mu.Lock()
	hf.rejected = rejected
	hf.mu.Unlock()

	if accepted > 0 {
		h.upload(id, eng)
	}
	return rejected, nil
}

// FileAction applies one dashboard control to a file the field's engine
// tracks. Removing a completed file drops its URL from the value; retried
// and resumed files are transferred in the background.
func (h *FormHost) FileAction(id, fileID, action string) error {
	hf, err := h.get(id)
	if err != nil {
		return err
	}
	if hf.snapshot().Disabled {
		return nil
	}
	eng := hf.field.Engine()
	if eng == nil {
		return field.ErrNoContainer
	}

	switch action {
	case field.FileRemove:
		return eng.RemoveFile(fileID)
	case field.FilePause:
		return eng.Pause(fileID)
	case field.FileResume:
		err = eng.Resume(fileID)
	case field.FileRetry:
		err = eng.Retry(fileID)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if err != nil {
		return err
	}
	h.upload(id, eng)
	return nil
}

// upload transfers the engine's queued files on the host's context.
func (h *FormHost) upload(id string, eng field.Engine) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := eng.Upload(h.ctx); err != nil && !errors.Is(err, engine.ErrClosed) {
			h.logger.Error("upload batch failed", "field", id, "error", err)
		}
	}()
}

// Remove drops url from the field's value.
func (h *FormHost) Remove(id, url string) (bool, error) {
	hf, err := h.get(id)
	if err != nil {
		return false, err
	}
	return hf.field.Remove(url), nil
}

// Touch marks the field as visited so its validation error shows.
func (h *FormHost) Touch(id string) error {
	hf, err := h.get(id)
	if err != nil {
		return err
	}
	hf.mu.Lock()
	hf.state.Touched = true
	hf.mu.Unlock()
	return hf.push()
}

// Configure replaces the field's configuration and account. The engine is
// recreated only when they differ from the live session.
func (h *FormHost) Configure(id string, cfg field.Config, account string, disabled bool) error {
	hf, err := h.get(id)
	if err != nil {
		return err
	}
	hf.mu.Lock()
	hf.state.Config = cfg
	hf.state.Account = account
	hf.state.Disabled = disabled
	hf.mu.Unlock()
	return hf.push()
}

// Rejected returns and clears the restriction failures of the last add.
func (h *FormHost) Rejected(id string) []error {
	hf, err := h.get(id)
	if err != nil {
		return nil
	}
	hf.mu.Lock()
	defer hf.mu.Unlock()
	r := hf.rejected
	hf.rejected = nil
	return r
}

// Close unmounts every field and waits for background transfers to stop.
func (h *FormHost) Close() {
	h.cancel()

	h.mu.Lock()
	fields := h.fields
	h.fields = make(map[string]*hostedField)
	h.mu.Unlock()

	for _, hf := range fields {
		hf.field.Unmount()
	}
	h.wg.Wait()
}

func (hf *hostedField) snapshot() FieldState {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.state
}

// propsLocked builds the props for the current state. hf.mu must be held.
func (hf *hostedField) propsLocked() field.Props {
	s := hf.state
	p := field.Props{
		ID:       hf.id,
		Value:    slices.Clone(s.Value),
		OnChange: hf.onChange,
		Config:   s.Config,
		Required: s.Required,
		Disabled: s.Disabled,
		Touched:  s.Touched,
		Account:  s.Account,
	}
	if s.Required && len(s.Value) == 0 {
		p.Error = RequiredMessage
	}
	return p
}

// onChange is the field's change callback. It runs on the engine's event
// goroutine, so it never holds hf.mu while calling into the field.
func (hf *hostedField) onChange(value []string) {
	hf.mu.Lock()
	hf.state.Value = slices.Clone(value)
	hf.mu.Unlock()

	if err := hf.push(); err != nil {
		hf.host.logger.Error("field update failed", "field", hf.id, "error", err)
	}
}

// push hands the current state to the field. A value committed while the
// update ran is pushed again.
func (hf *hostedField) push() error {
	hf.mu.Lock()
	props := hf.propsLocked()
	hf.mu.Unlock()

	err := hf.field.Update(props)

	hf.mu.Lock()
	stale := !slices.Equal(props.Value, hf.state.Value)
	if stale {
		props = hf.propsLocked()
	}
	hf.mu.Unlock()
	if stale {
		if uerr := hf.field.Update(props); err == nil {
			err = uerr
		}
	}
	return err
}

// Dashboard is the container the host's fields mount into. It keeps each
// field's engine and spools uploaded form files to disk until their
// transfer settles.
type Dashboard struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	engines map[string]*mountedEngine
}

type mountedEngine struct {
	engine      field.Engine
	unsubscribe func()

	mu     sync.Mutex
	spools map[string]string // engine file id -> spool path
}

// NewDashboard returns a container spooling into dir.
func NewDashboard(dir string, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboard{dir: dir, logger: logger, engines: make(map[string]*mountedEngine)}
}

// Mount implements field.Container.
func (d *Dashboard) Mount(fieldID string, e field.Engine) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	m := &mountedEngine{engine: e, spools: make(map[string]string)}
	m.unsubscribe = e.On(func(ev engine.Event) {
		switch ev := ev.(type) {
		case engine.UploadSuccess:
			m.release(ev.File.ID)
		case engine.FileRemoved:
			m.release(ev.File.ID)
		}
	})

	d.mu.Lock()
	old := d.engines[fieldID]
	d.engines[fieldID] = m
	d.mu.Unlock()

	if old != nil {
		old.close()
	}
	d.logger.Debug("dashboard mounted", "field", fieldID, "engine", e.ID())
	return nil
}

// Unmount implements field.Container.
func (d *Dashboard) Unmount(fieldID string) {
	d.mu.Lock()
	m := d.engines[fieldID]
	delete(d.engines, fieldID)
	d.mu.Unlock()

	if m != nil {
		m.close()
		d.logger.Debug("dashboard unmounted", "field", fieldID)
	}
}

// Add spools fh and offers it to the field's engine.
func (d *Dashboard) Add(fieldID string, fh *multipart.FileHeader) error {
	d.mu.Lock()
	m := d.engines[fieldID]
	d.mu.Unlock()
	if m == nil {
		return field.ErrNoContainer
	}

	path, err := d.spool(fh)
	if err != nil {
		return err
	}

	f, err := m.engine.AddFile(engine.Source{
		Name: fh.Filename,
		Type: fh.Header.Get("Content-Type"),
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	})
	if err != nil {
		os.Remove(path)
		return err
	}

	m.mu.Lock()
	if m.spools == nil {
		// Unmounted meanwhile.
		m.mu.Unlock()
		os.Remove(path)
		return nil
	}
	m.spools[f.ID] = path
	m.mu.Unlock()
	return nil
}

func (d *Dashboard) spool(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(d.dir, "spool-*")
	if err != nil {
		return "", fmt.Errorf("spool %s: %w", fh.Filename, err)
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("spool %s: %w", fh.Filename, err)
	}
	return dst.Name(), nil
}

func (m *mountedEngine) release(fileID string) {
	m.mu.Lock()
	path, ok := m.spools[fileID]
	delete(m.spools, fileID)
	m.mu.Unlock()
	if ok {
		os.Remove(path)
	}
}

func (m *mountedEngine) close() {
	m.unsubscribe()

	m.mu.Lock()
	spools := m.spools
	m.spools = nil
	m.mu.Unlock()

	for _, path := range spools {
		os.Remove(path)
	}
}
