package engine

// Event is anything the engine reports to its handlers.
// Handlers switch on the concrete type.
type Event interface {
	eventName() string
}

// Handler receives engine events. Handlers run on the engine's single
// dispatch goroutine, one event at a time, and must not call Close.
type Handler func(Event)

// FileAdded is emitted after a file passed the restrictions and was queued.
type FileAdded struct {
	File File
}

// FileRejected is emitted when a file fails the engine's restrictions.
type FileRejected struct {
	Name string
	Err  error
}

// UploadStarted is emitted when a file's transfer begins.
type UploadStarted struct {
	File File
}

// UploadSuccess is emitted when a transfer completes successfully.
type UploadSuccess struct {
	File     File
	Response Response
}

// UploadError is emitted when a transfer fails.
type UploadError struct {
	File File
	Err  error
}

// FileRemoved is emitted when a file stops being tracked. File.Response is
// set when the file had completed before it was removed.
type FileRemoved struct {
	File File
}

// Result aggregates the outcome of one Upload call.
type Result struct {
	Successful []File
	Failed     []File
}

// Complete is emitted once per Upload call after every transfer settled.
type Complete struct {
	Result Result
}

func (FileAdded) eventName() string     { return "file-added" }
func (FileRejected) eventName() string  { return "restriction-failed" }
func (UploadStarted) eventName() string { return "upload-started" }
func (UploadSuccess) eventName() string { return "upload-success" }
func (UploadError) eventName() string   { return "upload-error" }
func (FileRemoved) eventName() string   { return "file-removed" }
func (Complete) eventName() string      { return "complete" }

// Name returns the wire name of an event, e.g. "upload-success".
func Name(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}
