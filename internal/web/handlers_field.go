package web

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/JonMunkholm/uploadfield/internal/engine"
	"github.com/JonMunkholm/uploadfield/internal/field"
	"github.com/JonMunkholm/uploadfield/internal/web/templates"
)

// maxFormMemory is how much of a multipart form is held in memory before
// parts spill to temporary files.
const maxFormMemory = 32 << 20

// FieldValueResponse is the committed value of a field and the state of
// its engine.
type FieldValueResponse struct {
	ID        string               `json:"id"`
	Value     []string             `json:"value"`
	Active    bool                 `json:"active"`
	Files     []FileStatus         `json:"files"`
	Transfers engine.LimiterStatus `json:"transfers"`
}

// FileStatus is one file tracked by a field's engine.
type FileStatus struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Error   string   `json:"error,omitempty"`
	Actions []string `json:"actions"`
}

// AddFilesResponse reports which selected files were refused.
type AddFilesResponse struct {
	ID       string              `json:"id"`
	Accepted int                 `json:"accepted"`
	Rejected []field.UserMessage `json:"rejected"`
}

// ConfigRequest replaces a field's configuration.
type ConfigRequest struct {
	Config   field.Config `json:"config"`
	Account  string       `json:"account"`
	Disabled bool         `json:"disabled"`
}

func fieldActions(id string) field.Actions {
	base := "/field/" + url.PathEscape(id)
	return field.Actions{
		Upload: base + "/files",
		Remove: base + "/remove",
		Touch:  base + "/touch",
	}
}

// handlePage renders the demo form.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	f, err := s.forms.Field(DemoFieldID)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	d := f.ViewData(fieldActions(DemoFieldID))
	d.Rejected = s.forms.Rejected(DemoFieldID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	valueURL := "/api/field/" + url.PathEscape(DemoFieldID) + "/value"
	if err := templates.Page("Upload files", templates.Field(d), valueURL).Render(r.Context(), w); err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
	}
}

// handleFieldView renders one field fragment.
func (s *Server) handleFieldView(w http.ResponseWriter, r *http.Request) {
	s.renderField(w, r, chi.URLParam(r, "fieldID"))
}

func (s *Server) renderField(w http.ResponseWriter, r *http.Request, id string) {
	f, err := s.forms.Field(id)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	d := f.ViewData(fieldActions(id))
	d.Rejected = s.forms.Rejected(id)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.Field(d).Render(r.Context(), w); err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
	}
}

// respondField answers a field action: JSON clients get the value, htmx
// gets the re-rendered fragment and plain forms are redirected back.
func (s *Server) respondField(w http.ResponseWriter, r *http.Request, id string) {
	switch {
	case wantsJSON(r):
		s.writeFieldValue(w, r, id)
	case isHTMX(r):
		s.renderField(w, r, id)
	default:
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

// handleFieldFiles adds the selected files to a field and starts their
// transfer.
func (s *Server) handleFieldFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fieldID")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Storage.MaxFileSize)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			err = ErrNoFile
		}
		respondError(w, r, err, statusFor(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, r, ErrNoFile, http.StatusBadRequest)
		return
	}

	rejected, err := s.forms.AddFiles(id, files)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	if wantsJSON(r) {
		resp := AddFilesResponse{ID: id, Accepted: len(files) - len(rejected), Rejected: []field.UserMessage{}}
		for _, e := range rejected {
			resp.Rejected = append(resp.Rejected, field.MapError(e))
		}
		// Rejections were reported here; do not show them again.
		s.forms.Rejected(id)
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, resp)
		return
	}
	s.respondField(w, r, id)
}

// handleFieldRemove drops one URL from a field's value.
func (s *Server) handleFieldRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fieldID")
	if _, err := s.forms.Remove(id, r.FormValue("url")); err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	s.respondField(w, r, id)
}

// handleFieldTouch marks a field as visited.
func (s *Server) handleFieldTouch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fieldID")
	if err := s.forms.Touch(id); err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	s.respondField(w, r, id)
}

// handleFieldValue returns a field's committed value.
func (s *Server) handleFieldValue(w http.ResponseWriter, r *http.Request) {
	s.writeFieldValue(w, r, chi.URLParam(r, "fieldID"))
}

func (s *Server) writeFieldValue(w http.ResponseWriter, r *http.Request, id string) {
	value, err := s.forms.Value(id)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	f, err := s.forms.Field(id)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	resp := FieldValueResponse{ID: id, Value: value, Files: []FileStatus{}}
	if eng := f.Engine(); eng != nil {
		resp.Active = true
		resp.Transfers = eng.Status()
		for _, file := range eng.Files() {
			fs := FileStatus{ID: file.ID, Name: file.Name, State: file.State.String(), Actions: field.FileActions(file)}
			if file.Err != nil {
				fs.Error = field.FormatUserError(file.Err)
			}
			resp.Files = append(resp.Files, fs)
		}
	}
	render.JSON(w, r, resp)
}

// handleFileAction returns the handler of one per-file dashboard control.
func (s *Server) handleFileAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "fieldID")
		if err := s.forms.FileAction(id, chi.URLParam(r, "fileID"), action); err != nil {
			respondError(w, r, err, statusFor(err))
			return
		}
		s.respondField(w, r, id)
	}
}

// handleFieldConfig replaces a field's configuration. The field keeps its
// engine unless the configuration or account actually changed.
func (s *Server) handleFieldConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fieldID")

	var req ConfigRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "invalid request body", Message: "The request body is not valid JSON", Code: "REQ001"})
		return
	}
	if req.Config.MaxFiles < 0 || req.Config.MaxSizeBytes < 0 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "invalid config", Message: "Limits must not be negative", Code: "REQ002"})
		return
	}

	if err := s.forms.Configure(id, req.Config, req.Account, req.Disabled); err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	s.writeFieldValue(w, r, id)
}
