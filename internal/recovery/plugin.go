package recovery

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/uploadfield/internal/engine"
)

const (
	// DefaultRetention is how long a recorded file stays restorable.
	DefaultRetention = 24 * time.Hour

	// DefaultMaxSpoolBytes caps the content kept per file. Larger files are
	// recorded without content and cannot be resumed.
	DefaultMaxSpoolBytes = 10 << 20

	defaultStoreTimeout = 5 * time.Second
	defaultQueueSize    = 64
)

// Options configure a Plugin.
type Options struct {
	Retention     time.Duration
	MaxSpoolBytes int64
	StoreTimeout  time.Duration
	// QueueSize bounds the writes waiting for the store. Event delivery
	// blocks only when the queue is full.
	QueueSize     int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Plugin is the engine add-on that records and restores files. Store
// writes run on the plugin's own goroutine in event order, so a slow store
// does not hold up the engine's event delivery.
type Plugin struct {
	store       Store
	opts        Options
	engine      *engine.Engine
	engineID    string
	logger      *slog.Logger
	unsubscribe func()

	mu      sync.Mutex
	closed  bool
	writes  chan write
	drained chan struct{}
}

// write is one queued store call. A nil entry deletes fileID.
type write struct {
	entry  *Entry
	fileID string
}

// NewPlugin returns a recovery plugin writing to store.
func NewPlugin(store Store, opts Options) *Plugin {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxSpoolBytes <= 0 {
		opts.MaxSpoolBytes = DefaultMaxSpoolBytes
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Plugin{store: store, opts: opts, logger: opts.Logger}
}

// Name implements engine.Plugin.
func (p *Plugin) Name() string { return "recovery" }

// Install restores the engine's unexpired files and starts recording.
func (p *Plugin) Install(e *engine.Engine) error {
	p.engine = e
	p.engineID = e.ID()
	p.logger = p.opts.Logger.With("engine_id", e.ID(), "plugin", p.Name())

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StoreTimeout)
	entries, err := p.store.Load(ctx, e.ID(), p.opts.Now())
	cancel()
	if err != nil {
		p.logger.Warn("recovery load failed", "error", err)
	}

	restored := 0
	for _, entry := range entries {
		if p.restore(entry) {
			restored++
		}
	}
	if restored > 0 {
		p.logger.Info("restored files", "count", restored)
	}

	p.writes = make(chan write, p.opts.QueueSize)
	p.drained = make(chan struct{})
	go p.writeLoop()

	p.unsubscribe = e.On(p.handle)
	return nil
}

// Uninstall stops recording and waits for queued writes to reach the store.
func (p *Plugin) Uninstall() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}

	p.mu.Lock()
	if p.closed || p.writes == nil {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.writes)
	p.mu.Unlock()
	<-p.drained
}

func (p *Plugin) writeLoop() {
	defer close(p.drained)
	for w := range p.writes {
		if w.entry != nil {
			p.saveNow(*w.entry)
		} else {
			p.deleteNow(w.fileID)
		}
	}
}

// enqueue hands w to the writer. Writes after Uninstall are dropped.
func (p *Plugin) enqueue(w write) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.writes <- w
}

func (p *Plugin) restore(entry Entry) bool {
	f := engine.File{
		ID:    entry.FileID,
		Name:  entry.Name,
		Type:  entry.Type,
		Size:  entry.Size,
		State: engine.ParseState(entry.State),
	}

	var open engine.OpenFunc
	if entry.Data != nil {
		data := entry.Data
		open = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	if f.State == engine.StateComplete {
		if entry.URL == "" {
			p.deleteNow(entry.FileID)
			return false
		}
		f.Response = &engine.Response{Body: map[string]any{"url": entry.URL}}
	} else if open == nil {
		p.deleteNow(entry.FileID)
		return false
	}

	if err := p.engine.Restore(f, open); err != nil {
		p.logger.Warn("restore failed", "file_id", f.ID, "error", err)
		return false
	}
	return true
}

func (p *Plugin) handle(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.FileAdded:
		p.save(ev.File, "", p.spool(ev.File))
	case engine.UploadStarted:
		p.save(ev.File, "", nil)
	case engine.UploadSuccess:
		p.save(ev.File, responseURL(ev.Response), nil)
	case engine.UploadError:
		p.save(ev.File, "", nil)
	case engine.FileRemoved:
		p.delete(ev.File.ID)
	case engine.Complete:
		for _, f := range ev.Result.Successful {
			p.delete(f.ID)
		}
	}
}

func (p *Plugin) spool(f engine.File) []byte {
	if f.Size > p.opts.MaxSpoolBytes {
		return nil
	}
	rc, err := p.engine.Open(f.ID)
	if err != nil {
		p.logger.Debug("spool skipped", "file_id", f.ID, "error", err)
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.opts.MaxSpoolBytes+1))
	if err != nil || int64(len(data)) > p.opts.MaxSpoolBytes {
		return nil
	}
	return data
}

func (p *Plugin) save(f engine.File, url string, data []byte) {
	now := p.opts.Now()
	p.enqueue(write{entry: &Entry{
		EngineID:  p.engineID,
		FileID:    f.ID,
		Name:      f.Name,
		Type:      f.Type,
		Size:      f.Size,
		State:     f.State.String(),
		URL:       url,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(p.opts.Retention),
	}})
}

func (p *Plugin) delete(fileID string) {
	p.enqueue(write{fileID: fileID})
}

func (p *Plugin) saveNow(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StoreTimeout)
	defer cancel()
	if err := p.store.Save(ctx, entry); err != nil {
		p.logger.Warn("recovery save failed", "file_id", entry.FileID, "error", err)
	}
}

func (p *Plugin) deleteNow(fileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StoreTimeout)
	defer cancel()
	if err := p.store.Delete(ctx, p.engineID, fileID); err != nil {
		p.logger.Warn("recovery delete failed", "file_id", fileID, "error", err)
	}
}

func responseURL(r engine.Response) string {
	if u, ok := r.Body["url"].(string); ok && u != "" {
		return u
	}
	return r.UploadURL
}
