// Package field binds an upload engine to a host form field.
//
// A Field turns engine events into an ordered, duplicate-free list of file
// URLs (the committed value) and hands every new list to the host's change
// callback. The host owns the value: it passes the latest value and callback
// on every update, and the field reads them through a Ref so events that
// arrive late never work from an outdated copy.
//
// Each mounted field owns exactly one engine. Changing the field id,
// configuration or account replaces the engine; any other update only
// refreshes the Ref.
package field

import (
	"sync"
)

// Props are the values a host supplies on mount and on every update.
type Props struct {
	ID       string
	Value    []string
	OnChange func(value []string)
	Config   Config
	Required bool
	Disabled bool
	Error    string
	Touched  bool
	Account  string
}

// Field is one mounted upload field.
type Field struct {
	ref     *Ref
	manager *Manager

	mu        sync.RWMutex
	props     Props
	container Container
}

// New returns an unmounted field whose engines are built from opts.
func New(opts ManagerOptions) *Field {
	ref := NewRef(nil, nil)
	return &Field{ref: ref, manager: NewManager(ref, opts)}
}

// Mount starts the field's session in container. A failed mount leaves the
// field inert until Mount is called again.
func (f *Field) Mount(props Props, container Container) error {
	f.mu.Lock()
	f.props = props
	f.container = container
	f.mu.Unlock()

	f.ref.Set(props.Value, props.OnChange)
	return f.manager.Initialize(props.ID, props.Config, container, props.Account)
}

// Update refreshes the value and callback, and replaces the engine when the
// id, configuration or account changed.
func (f *Field) Update(props Props) error {
	f.mu.Lock()
	f.props = props
	container := f.container
	f.mu.Unlock()

	f.ref.Set(props.Value, props.OnChange)
	return f.manager.Sync(props.ID, props.Config, container, props.Account)
}

// Remove drops url from the committed value without involving the engine.
// It reports whether the value changed; a disabled field never changes.
func (f *Field) Remove(url string) bool {
	if f.Props().Disabled {
		return false
	}
	return f.ref.Apply(func(current []string) ([]string, bool) {
		return RemoveURL(current, url)
	})
}

// Unmount tears the session down. In-flight transfers are abandoned.
func (f *Field) Unmount() {
	f.manager.Teardown()
}

// Value returns the committed value as last proposed or supplied.
func (f *Field) Value() []string {
	return f.ref.Current()
}

// Props returns the props from the latest Mount or Update.
func (f *Field) Props() Props {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p := f.props
	p.Value = f.ref.Current()
	return p
}

// Engine returns the live engine, or nil when the field is not mounted.
func (f *Field) Engine() Engine {
	return f.manager.Engine()
}
