package field

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/uploadfield/internal/engine"
	"github.com/JonMunkholm/uploadfield/internal/recovery"
)

var (
	// ErrNoContainer is returned when a field is mounted without a container.
	ErrNoContainer = errors.New("field container unavailable")
	// ErrNoFieldID is returned when a field is mounted without an identifier.
	ErrNoFieldID = errors.New("field id is required")
)

// Engine is the part of the upload engine a session drives.
// *engine.Engine satisfies it.
type Engine interface {
	ID() string
	On(h engine.Handler) func()
	AddFile(src engine.Source) (engine.File, error)
	RemoveFile(id string) error
	Pause(id string) error
	Resume(id string) error
	Retry(id string) error
	Upload(ctx context.Context) (engine.Result, error)
	Files() []engine.File
	Status() engine.LimiterStatus
	Close() error
}

// Container is where a session's control surface is mounted.
type Container interface {
	Mount(fieldID string, e Engine) error
	Unmount(fieldID string)
}

// EngineSpec describes the engine a session needs.
type EngineSpec struct {
	FieldID string
	Config  Config
	Account string
}

// EngineFactory builds the engine for a session.
type EngineFactory func(spec EngineSpec) (Engine, error)

// ManagerOptions configure the engines a Manager creates.
type ManagerOptions struct {
	// Endpoint is the upload destination. The account, when set, is added
	// as a query parameter.
	Endpoint      string
	FieldName     string // multipart field carrying the file
	TransferLimit int
	Timeout       time.Duration
	Client        *http.Client
	Headers       http.Header // sent with every transfer

	// Recovery enables the recovery add-on when non-nil.
	Recovery        recovery.Store
	RecoveryOptions recovery.Options

	// NewEngine replaces the default factory.
	NewEngine EngineFactory

	Logger *slog.Logger
}

// Manager owns the single live engine of one field.
//
// Initialize and Teardown bracket a mount. Sync is called on every host
// update and recreates the engine only when the field id, configuration or
// account changed.
type Manager struct {
	opts   ManagerOptions
	ref    *Ref
	logger *slog.Logger

	// lifecycle serializes engine creation and destruction. Teardown does
	// not take it, so it is safe from inside event handlers.
	lifecycle sync.Mutex

	mu      sync.Mutex
	desired *sessionSpec // nil when not mounted
	session *session
}

type sessionSpec struct {
	key       sessionKey
	fieldID   string
	config    Config
	account   string
	container Container
}

type session struct {
	spec        *sessionSpec
	engine      Engine
	mounted     bool
	unsubscribe func()
	closed      atomic.Bool
	delivering  atomic.Int32
	once        sync.Once
	logger      *slog.Logger
}

// NewManager returns a Manager reconciling events into ref.
func NewManager(ref *Ref, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TransferLimit <= 0 {
		opts.TransferLimit = engine.DefaultTransferLimit
	}
	if opts.FieldName == "" {
		opts.FieldName = engine.DefaultFieldName
	}
	return &Manager{opts: opts, ref: ref, logger: opts.Logger}
}

func newSpec(fieldID string, cfg Config, container Container, account string) *sessionSpec {
	cfg = cfg.Normalize()
	return &sessionSpec{
		key:       newSessionKey(fieldID, cfg, account),
		fieldID:   fieldID,
		config:    cfg,
		account:   account,
		container: container,
	}
}

// Initialize tears down any live session and starts a new one.
func (m *Manager) Initialize(fieldID string, cfg Config, container Container, account string) error {
	spec := newSpec(fieldID, cfg, container, account)
	m.mu.Lock()
	m.desired = spec
	m.mu.Unlock()
	return m.restart(spec)
}

// Sync applies the latest host configuration. It is a no-op when the
// session key is unchanged or the field is not mounted. Called from an
// event handler or a change callback, the restart happens asynchronously;
// otherwise Sync waits for any restart in progress and reports the result
// of its own.
func (m *Manager) Sync(fieldID string, cfg Config, container Container, account string) error {
	spec := newSpec(fieldID, cfg, container, account)

	m.mu.Lock()
	if m.desired == nil {
		m.mu.Unlock()
		return nil
	}
	cur := m.session
	if cur != nil && cur.spec.key == spec.key {
		m.mu.Unlock()
		return nil
	}
	if cur == nil && m.desired.key == spec.key && spec.container == nil {
		// Still nothing to mount into.
		m.mu.Unlock()
		return ErrNoContainer
	}
	m.desired = spec
	delivering := cur != nil && cur.delivering.Load() > 0
	m.mu.Unlock()

	// Closing the old engine waits for its event delivery, and delivery
	// waits for a running change callback.
	if delivering || m.ref.Applying() {
		go func() {
			if err := m.restart(spec); err != nil {
				m.logger.Error("field reinitialize failed", "field", fieldID, "error", err)
			}
		}()
		return nil
	}
	return m.restart(spec)
}

// Teardown releases the live session. It is safe to call repeatedly and
// does not wait for in-flight transfers.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.desired = nil
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s != nil {
		s.close()
	}
}

// Engine returns the live engine or nil.
func (m *Manager) Engine() Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return m.session.engine
}

// restart replaces the live session with one built from spec, unless a
// newer spec was requested in the meantime.
func (m *Manager) restart(spec *sessionSpec) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.restartLocked(spec)
}

func (m *Manager) restartLocked(spec *sessionSpec) error {
	m.mu.Lock()
	if m.desired != spec {
		m.mu.Unlock()
		return nil
	}
	old := m.session
	m.session = nil
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	return m.start(spec)
}

func (m *Manager) start(spec *sessionSpec) error {
	if spec.fieldID == "" {
		return ErrNoFieldID
	}
	if spec.container == nil {
		return ErrNoContainer
	}

	eng, err := m.newEngine(EngineSpec{FieldID: spec.fieldID, Config: spec.config, Account: spec.account})
	if err != nil {
		return fmt.Errorf("create engine for field %s: %w", spec.fieldID, err)
	}

	s := &session{
		spec:   spec,
		engine: eng,
		logger: m.logger.With("field", spec.fieldID, "engine", eng.ID()),
	}
	if err := spec.container.Mount(spec.fieldID, eng); err != nil {
		s.close()
		return fmt.Errorf("mount field %s: %w", spec.fieldID, err)
	}
	s.mounted = true
	s.unsubscribe = eng.On(func(ev engine.Event) { m.handle(s, ev) })

	m.mu.Lock()
	if m.desired != spec {
		// Torn down while starting.
		m.mu.Unlock()
		s.close()
		return nil
	}
	m.session = s
	m.mu.Unlock()

	s.logger.Debug("field session started",
		"max_files", spec.config.MaxFiles,
		"max_size_bytes", spec.config.MaxSizeBytes,
		"accept", spec.config.Accept,
	)
	return nil
}

func (m *Manager) handle(s *session, ev engine.Event) {
	if s.closed.Load() {
		return
	}
	s.delivering.Add(1)
	defer s.delivering.Add(-1)

	switch ev := ev.(type) {
	case engine.UploadSuccess, engine.FileRemoved:
		m.ref.Apply(func(current []string) ([]string, bool) {
			return Reconcile(ev, current)
		})
	case engine.FileRejected:
		s.logger.Debug("file rejected", "file", ev.Name, "error", ev.Err)
	case engine.UploadError:
		s.logger.Warn("upload failed", "file", ev.File.Name, "error", ev.Err)
	case engine.Complete:
		s.logger.Info("upload complete",
			"successful", len(ev.Result.Successful),
			"failed", len(ev.Result.Failed),
		)
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.mounted {
			s.spec.container.Unmount(s.spec.fieldID)
		}
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("close engine", "error", err)
		}
		s.logger.Debug("field session closed")
	})
}

func (m *Manager) newEngine(spec EngineSpec) (Engine, error) {
	if m.opts.NewEngine != nil {
		return m.opts.NewEngine(spec)
	}

	e, err := engine.New(engine.Options{
		ID:           "upload-" + spec.FieldID,
		Restrictions: spec.Config.Restrictions(),
		Logger:       m.logger,
	})
	if err != nil {
		return nil, err
	}

	transport := engine.NewHTTPTransport(engine.TransportOptions{
		Endpoint:  engine.EndpointFor(m.opts.Endpoint, spec.Account),
		FieldName: m.opts.FieldName,
		Timeout:   m.opts.Timeout,
		Limit:     m.opts.TransferLimit,
		Client:    m.opts.Client,
		Headers:   m.opts.Headers,
	})
	if err := e.Use(transport); err != nil {
		e.Close()
		return nil, fmt.Errorf("install transport: %w", err)
	}

	if m.opts.Recovery != nil {
		opts := m.opts.RecoveryOptions
		if opts.Logger == nil {
			opts.Logger = m.logger
		}
		if err := e.Use(recovery.NewPlugin(m.opts.Recovery, opts)); err != nil {
			e.Close()
			return nil, fmt.Errorf("install recovery: %w", err)
		}
	}
	return e, nil
}
