package field

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JonMunkholm/uploadfield/internal/engine"
	"github.com/JonMunkholm/uploadfield/internal/recovery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeEngine delivers events synchronously to its handlers.
type fakeEngine struct {
	id string

	mu       sync.Mutex
	handlers map[int]engine.Handler
	next     int
	closes   int
}

func (e *fakeEngine) ID() string { return e.id }

func (e *fakeEngine) On(h engine.Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]engine.Handler)
	}
	id := e.next
	e.next++
	e.handlers[id] = h
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *fakeEngine) emit(ev engine.Event) {
	e.mu.Lock()
	hs := make([]engine.Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (e *fakeEngine) AddFile(engine.Source) (engine.File, error)  { return engine.File{}, nil }
func (e *fakeEngine) RemoveFile(string) error                      { return nil }
func (e *fakeEngine) Pause(string) error                           { return nil }
func (e *fakeEngine) Resume(string) error                          { return nil }
func (e *fakeEngine) Retry(string) error                           { return nil }
func (e *fakeEngine) Upload(context.Context) (engine.Result, error) { return engine.Result{}, nil }
func (e *fakeEngine) Files() []engine.File                         { return nil }
func (e *fakeEngine) Status() engine.LimiterStatus                 { return engine.LimiterStatus{} }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// factory records every engine it builds.
type factory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	specs   []EngineSpec
	err     error
}

func (f *factory) build(spec EngineSpec) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{id: "upload-" + spec.FieldID}
	f.engines = append(f.engines, e)
	f.specs = append(f.specs, spec)
	return e, nil
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *factory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

type fakeContainer struct {
	mu       sync.Mutex
	mounted  map[string]Engine
	mounts   int
	unmounts int
	fail     error
}

func newContainer() *fakeContainer { return &fakeContainer{mounted: make(map[string]Engine)} }

func (c *fakeContainer) Mount(fieldID string, e Engine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.mounted[fieldID] = e
	c.mounts++
	return nil
}

func (c *fakeContainer) Unmount(fieldID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mounted, fieldID)
	c.unmounts++
}

func newFakeField(t *testing.T) (*Field, *factory) {
	t.Helper()
	fac := &factory{}
	f := New(ManagerOptions{NewEngine: fac.build})
	t.Cleanup(f.Unmount)
	return f, fac
}

func TestField_MountAppliesDefaults(t *testing.T) {
	f, fac := newFakeField(t)
	c := newContainer()

	require.NoError(t, f.Mount(Props{ID: "attachments"}, c))
	require.Equal(t, 1, fac.count())

	cfg := fac.specs[0].Config
	assert.Equal(t, DefaultMaxFiles, cfg.MaxFiles)
	assert.Equal(t, DefaultMaxSizeBytes, cfg.MaxSizeBytes)
	assert.Equal(t, DefaultAccept, cfg.Accept)
	assert.Same(t, fac.last(), c.mounted["attachments"])
}

func TestField_MountWithoutContainer(t *testing.T) {
	f, fac := newFakeField(t)

	err := f.Mount(Props{ID: "attachments"}, nil)
	require.ErrorIs(t, err, ErrNoContainer)
	assert.Zero(t, fac.count(), "no engine is created")
	assert.Nil(t, f.Engine())

	require.ErrorIs(t, f.Update(Props{ID: "attachments"}), ErrNoContainer)
	assert.Zero(t, fac.count())

	require.NoError(t, f.Mount(Props{ID: "attachments"}, newContainer()))
	assert.Equal(t, 1, fac.count())
}

func TestField_MountFailureClosesEngine(t *testing.T) {
	f, fac := newFakeField(t)
	c := newContainer()
	c.fail = errors.New("detached")

	require.Error(t, f.Mount(Props{ID: "attachments"}, c))
	require.Equal(t, 1, fac.count())
	assert.Equal(t, 1, fac.last().closeCount())
	assert.Nil(t, f.Engine())
}

func TestField_UpdateKeepsSessionForEquivalentConfig(t *testing.T) {
	f, fac := newFakeField(t)
	c := newContainer()
	props := Props{ID: "attachments", Config: Config{MaxFiles: 3, Accept: []string{".pdf"}}}
	require.NoError(t, f.Mount(props, c))

	for i := 0; i < 5; i++ {
		p := props
		p.Config.Accept = []string{" .pdf "}
		p.Value = []string{"u1"}
		p.Touched = i%2 == 0
		p.Error = "required"
		require.NoError(t, f.Update(p))
	}
	assert.Equal(t, 1, fac.count(), "host re-renders do not recreate the engine")
	assert.Equal(t, []string{"u1"}, f.Value())
}

func TestField_UpdateRecreatesOnKeyChange(t *testing.T) {
	tests := []struct {
		name   string
		change func(p *Props)
	}{
		{name: "field id", change: func(p *Props) { p.ID = "other" }},
		{name: "max files", change: func(p *Props) { p.Config.MaxFiles = 2 }},
		{name: "max size", change: func(p *Props) { p.Config.MaxSizeBytes = 1 << 20 }},
		{name: "accept", change: func(p *Props) { p.Config.Accept = []string{".png"} }},
		{name: "accept emptied", change: func(p *Props) { p.Config.Accept = []string{} }},
		{name: "help text", change: func(p *Props) { p.Config.HelpText = "PDF only" }},
		{name: "account", change: func(p *Props) { p.Account = "42" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, fac := newFakeField(t)
			c := newContainer()
			props := Props{ID: "attachments", Value: []string{"u1"}}
			require.NoError(t, f.Mount(props, c))
			old := fac.last()

			tt.change(&props)
			require.NoError(t, f.Update(props))

			require.Equal(t, 2, fac.count())
			assert.Equal(t, 1, old.closeCount(), "old engine closed")
			assert.Equal(t, 1, c.unmounts)
			assert.Same(t, fac.last(), f.Engine())
			assert.Equal(t, []string{"u1"}, f.Value(), "value survives engine replacement")
		})
	}
}

func TestField_EventsUpdateValue(t *testing.T) {
	f, fac := newFakeField(t)
	var got [][]string
	onChange := func(v []string) { got = append(got, v) }

	require.NoError(t, f.Mount(Props{ID: "attachments", OnChange: onChange}, newContainer()))
	e := fac.last()

	e.emit(engine.FileAdded{File: engine.File{ID: "a"}})
	e.emit(success("a", "u1"))
	e.emit(success("b", "u2"))
	e.emit(success("a", "u1"))
	e.emit(engine.Complete{Result: engine.Result{Successful: []engine.File{{ID: "a"}, {ID: "b"}}}})
	e.emit(removed("u1"))

	assert.Equal(t, [][]string{{"u1"}, {"u1", "u2"}, {"u2"}}, got)
	assert.Equal(t, []string{"u2"}, f.Value())
}

func TestField_OnChangeMayUpdate(t *testing.T) {
	f, fac := newFakeField(t)
	props := Props{ID: "attachments"}
	props.OnChange = func(v []string) {
		p := props
		p.Value = v
		require.NoError(t, f.Update(p))
	}
	require.NoError(t, f.Mount(props, newContainer()))

	fac.last().emit(success("a", "u1"))
	fac.last().emit(success("b", "u2"))

	assert.Equal(t, []string{"u1", "u2"}, f.Value())
	assert.Equal(t, 1, fac.count())
}

func TestField_RemoveByUser(t *testing.T) {
	f, fac := newFakeField(t)
	var got []string
	props := Props{ID: "attachments", Value: []string{"u1", "u2", "u3"}, OnChange: func(v []string) { got = v }}
	require.NoError(t, f.Mount(props, newContainer()))

	assert.True(t, f.Remove("u2"))
	assert.Equal(t, []string{"u1", "u3"}, got)
	assert.False(t, f.Remove("u2"))

	props.Value = got
	props.Disabled = true
	require.NoError(t, f.Update(props))
	assert.False(t, f.Remove("u1"), "disabled fields ignore removal")
	assert.Equal(t, 1, fac.count())
}

func TestField_RemoveDuringSuccessDelivery(t *testing.T) {
	f, fac := newFakeField(t)

	var (
		mu    sync.Mutex
		host  = []string{"old"}
		calls atomic.Int32
		props Props
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	props = Props{ID: "attachments", Value: host}
	props.OnChange = func(v []string) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		mu.Lock()
		host = v
		p := props
		p.Value = v
		mu.Unlock()
		require.NoError(t, f.Update(p))
	}
	require.NoError(t, f.Mount(props, newContainer()))
	e := fac.last()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.emit(success("a", "new"))
	}()
	<-entered

	removedCh := make(chan bool)
	go func() { removedCh <- f.Remove("old") }()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	assert.True(t, <-removedCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, host)
	assert.Equal(t, []string{"new"}, f.Value())
}

func TestField_TeardownIdempotent(t *testing.T) {
	f, fac := newFakeField(t)
	c := newContainer()
	require.NoError(t, f.Mount(Props{ID: "attachments"}, c))
	e := fac.last()

	f.Unmount()
	f.Unmount()

	assert.Equal(t, 1, e.closeCount())
	assert.Equal(t, 1, c.unmounts)
	assert.Nil(t, f.Engine())
}

func TestField_IgnoresEventsAfterTeardown(t *testing.T) {
	f, fac := newFakeField(t)
	calls := 0
	require.NoError(t, f.Mount(Props{ID: "attachments", OnChange: func([]string) { calls++ }}, newContainer()))
	e := fac.last()

	f.Unmount()
	e.emit(success("late", "u-late"))

	assert.Zero(t, calls)
	assert.Empty(t, f.Value())
}

func TestField_UpdateAfterUnmountIsNoop(t *testing.T) {
	f, fac := newFakeField(t)
	require.NoError(t, f.Mount(Props{ID: "attachments"}, newContainer()))
	f.Unmount()

	require.NoError(t, f.Update(Props{ID: "attachments", Config: Config{MaxFiles: 1}}))
	assert.Equal(t, 1, fac.count())
	assert.Nil(t, f.Engine())
}

func TestField_FactoryError(t *testing.T) {
	f, fac := newFakeField(t)
	fac.err = errors.New("boom")

	err := f.Mount(Props{ID: "attachments"}, newContainer())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, f.Engine())
}

func TestField_UpdateWaitsForRestartInProgress(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	f := New(ManagerOptions{NewEngine: func(spec EngineSpec) (Engine, error) {
		switch calls.Add(1) {
		case 2:
			<-gate
		case 3:
			return nil, errors.New("boom")
		}
		return &fakeEngine{id: "upload-" + spec.FieldID}, nil
	}})
	t.Cleanup(f.Unmount)

	props := Props{ID: "attachments"}
	require.NoError(t, f.Mount(props, newContainer()))

	first := props
	first.Config.MaxFiles = 2
	firstErr := make(chan error, 1)
	go func() { firstErr <- f.Update(first) }()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	second := props
	second.Config.MaxFiles = 3
	secondErr := make(chan error, 1)
	go func() { secondErr <- f.Update(second) }()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-firstErr)
	err := <-secondErr
	require.Error(t, err, "the failing restart is reported to its caller")
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, f.Engine())
}

// uploadEndpoint answers every upload with {"url": "<base>/files/<name>"}.
func uploadEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "no file provided", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"url": "http://" + r.Host + "/files/" + header.Filename,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestField_MaxFilesWithRealEngine(t *testing.T) {
	srv := uploadEndpoint(t)
	f := New(ManagerOptions{Endpoint: srv.URL, Recovery: recovery.NewMemoryStore()})
	t.Cleanup(f.Unmount)

	var mu sync.Mutex
	var last []string
	onChange := func(v []string) {
		mu.Lock()
		last = v
		mu.Unlock()
	}
	require.NoError(t, f.Mount(Props{ID: "attachments", OnChange: onChange, Config: Config{MaxFiles: 2}}, newContainer()))

	e := f.Engine()
	require.NotNil(t, e)
	_, err := e.AddFile(engine.BytesSource("a.pdf", "application/pdf", []byte("a")))
	require.NoError(t, err)
	_, err = e.AddFile(engine.BytesSource("b.pdf", "application/pdf", []byte("b")))
	require.NoError(t, err)
	_, err = e.AddFile(engine.BytesSource("c.pdf", "application/pdf", []byte("c")))
	require.ErrorIs(t, err, engine.ErrRestriction)

	result, err := e.Upload(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Successful, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.Value(), 2)
	assert.ElementsMatch(t, []string{srv.URL + "/files/a.pdf", srv.URL + "/files/b.pdf"}, f.Value())
}

func TestField_AccountAddedToEndpoint(t *testing.T) {
	accounts := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accounts <- r.URL.Query().Get("account")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://cdn.example.com/x.pdf"}`))
	}))
	defer srv.Close()

	f := New(ManagerOptions{Endpoint: srv.URL + "/api/upload"})
	defer f.Unmount()
	require.NoError(t, f.Mount(Props{ID: "attachments", Account: "42"}, newContainer()))

	_, err := f.Engine().AddFile(engine.BytesSource("x.pdf", "application/pdf", []byte("x")))
	require.NoError(t, err)
	_, err = f.Engine().Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "42", <-accounts)
	require.Eventually(t, func() bool { return len(f.Value()) == 1 }, 2*time.Second, 5*time.Millisecond)
}
