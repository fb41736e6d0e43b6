package field

import (
	"net/url"

	"github.com/JonMunkholm/uploadfield/internal/engine"
)

// Per-file controls offered by the dashboard.
const (
	FileRemove = "remove"
	FileRetry  = "retry"
	FilePause  = "pause"
	FileResume = "resume"
)

// Actions are the endpoints the rendered field posts to.
type Actions struct {
	Upload string // receives the selected files as multipart "files"
	Remove string // receives the URL to drop as form value "url"
	Touch  string // marks the field touched
}

// File returns the endpoint of one per-file control, below Upload.
func (a Actions) File(fileID, action string) string {
	return a.Upload + "/" + url.PathEscape(fileID) + "/" + action
}

// FileActions lists the controls a file offers in its current state.
func FileActions(f engine.File) []string {
	switch f.State {
	case engine.StateQueued, engine.StateUploading:
		return []string{FilePause, FileRemove}
	case engine.StatePaused:
		return []string{FileResume, FileRemove}
	case engine.StateError:
		return []string{FileRetry, FileRemove}
	default:
		return []string{FileRemove}
	}
}

// ViewData is everything the field view renders.
type ViewData struct {
	ID       string
	Config   Config
	Value    []string
	Files    []engine.File
	Rejected []error // restriction failures of the last selection
	Required bool
	Disabled bool
	Touched  bool
	Error    string
	Actions  Actions
}

// ViewData snapshots the field for rendering. Files lists every file the
// engine tracks, completed ones included, so each can be removed from the
// dashboard.
func (f *Field) ViewData(a Actions) ViewData {
	p := f.Props()
	d := ViewData{
		ID:       p.ID,
		Config:   p.Config.Normalize(),
		Value:    p.Value,
		Required: p.Required,
		Disabled: p.Disabled,
		Touched:  p.Touched,
		Error:    p.Error,
		Actions:  a,
	}
	if e := f.Engine(); e != nil {
		d.Files = e.Files()
	}
	return d
}
