package web

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JonMunkholm/uploadfield/internal/config"
	"github.com/JonMunkholm/uploadfield/internal/field"
	mw "github.com/JonMunkholm/uploadfield/internal/web/middleware"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type testServer struct {
	*httptest.Server
	srv *Server
	cfg *config.Config
}

// newTestServer starts a server whose demo field uploads to its own
// backend. vars override the test defaults.
func newTestServer(t *testing.T, vars map[string]string) *testServer {
	t.Helper()

	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	base := "http://" + ts.Listener.Addr().String()

	env := map[string]string{
		"SERVER_BASE_URL":    base,
		"STORAGE_DIR":        t.TempDir(),
		"RATE_LIMIT_ENABLED": "false",
		"RECOVERY_ENABLED":   "false",
		"FIELD_MAX_FILES":    "3",
	}
	for k, v := range vars {
		env[k] = v
	}
	cfg, err := config.LoadFrom(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.NoError(t, err)

	srv, err := NewServer(cfg, Options{})
	require.NoError(t, err)

	ts.Config.Handler = srv.Router()
	ts.Start()
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testServer{Server: ts, srv: srv, cfg: cfg}
}

// multipartBody builds a form with one file per name under fieldName.
func multipartBody(t *testing.T, fieldName string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile(fieldName, name)
		require.NoError(t, err)
		_, err = io.WriteString(part, content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) addFiles(t *testing.T, files map[string]string) AddFilesResponse {
	t.Helper()
	body, ct := multipartBody(t, "files", files)
	resp := ts.do(t, http.MethodPost, "/field/"+DemoFieldID+"/files", body, http.Header{
		"Content-Type": {ct},
		"Accept":       {"application/json"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out AddFilesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) value(t *testing.T) FieldValueResponse {
	t.Helper()
	resp := ts.do(t, http.MethodGet, "/api/field/"+DemoFieldID+"/value", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out FieldValueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) waitForValue(t *testing.T, n int) []string {
	t.Helper()
	var value []string
	require.Eventually(t, func() bool {
		value = ts.value(t).Value
		return len(value) == n
	}, 5*time.Second, 10*time.Millisecond)
	return value
}

func TestHandleUpload(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartBody(t, "file", map[string]string{"../Quarterly Report.pdf": "%PDF-1.7"})
	resp := ts.do(t, http.MethodPost, "/api/upload?account=acme", body, http.Header{"Content-Type": {ct}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Quarterly_Report.pdf", out.Name)
	assert.Equal(t, int64(8), out.Size)
	assert.True(t, strings.HasPrefix(out.Key, "acme/"))
	assert.True(t, strings.HasSuffix(out.Key, "-Quarterly_Report.pdf"))
	assert.Equal(t, out.URL, resp.Header.Get("Location"))
	assert.Equal(t, ts.URL+"/files/"+out.Key, out.URL)

	got := ts.do(t, http.MethodGet, strings.TrimPrefix(out.URL, ts.URL), nil, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	data, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
}

func TestHandleUpload_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		query  string
		field  string
		status int
		code   string
	}{
		{name: "wrong field", field: "other", status: http.StatusBadRequest, code: "FILE004"},
		{name: "invalid account", query: "?account=../etc", field: "file", status: http.StatusBadRequest, code: "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.field, map[string]string{"a.pdf": "x"})
			resp := ts.do(t, http.MethodPost, "/api/upload"+tt.query, body, http.Header{"Content-Type": {ct}})
			assert.Equal(t, tt.status, resp.StatusCode)

			var out ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.code, out.Code)
		})
	}

	t.Run("not multipart", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/upload", strings.NewReader("{}"), http.Header{"Content-Type": {"application/json"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleUpload_APIKey(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"REQUIRE_API_KEY": "true",
		"API_KEYS":        "k1,k2",
	})

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong", key: "nope", status: http.StatusForbidden},
		{name: "valid", key: "k2", status: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, "file", map[string]string{"a.pdf": "x"})
			h := http.Header{"Content-Type": {ct}}
			if tt.key != "" {
				h.Set(mw.APIKeyHeader, tt.key)
			}
			resp := ts.do(t, http.MethodPost, "/api/upload", body, h)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	// The demo field sends the first configured key.
	out := ts.addFiles(t, map[string]string{"a.pdf": "x"})
	assert.Equal(t, 1, out.Accepted)
	ts.waitForValue(t, 1)
}

func TestFieldFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Empty(t, ts.value(t).Value)
	assert.True(t, ts.value(t).Active)

	out := ts.addFiles(t, map[string]string{"a.pdf": "aaa", "b.docx": "bbb"})
	assert.Equal(t, 2, out.Accepted)
	assert.Empty(t, out.Rejected)

	value := ts.waitForValue(t, 2)
	for _, u := range value {
		assert.True(t, strings.HasPrefix(u, ts.URL+"/files/"), u)
	}

	// Removing a URL leaves the other one.
	form := url.Values{"url": {value[0]}}
	resp := ts.do(t, http.MethodPost, "/field/"+DemoFieldID+"/remove", strings.NewReader(form.Encode()), http.Header{
		"Content-Type": {"application/x-www-form-urlencoded"},
		"Accept":       {"application/json"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var after FieldValueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))
	assert.Equal(t, []string{value[1]}, after.Value)

	state, err := ts.srv.Forms().State(DemoFieldID)
	require.NoError(t, err)
	assert.Equal(t, []string{value[1]}, state.Value)
}

func TestFieldFileActions(t *testing.T) {
	ts := newTestServer(t, nil)

	out := ts.addFiles(t, map[string]string{"a.pdf": "aaa"})
	require.Equal(t, 1, out.Accepted)
	ts.waitForValue(t, 1)

	v := ts.value(t)
	assert.Equal(t, ts.cfg.Upload.MaxConcurrent, v.Transfers.MaxConcurrent)
	require.Len(t, v.Files, 1)
	file := v.Files[0]
	assert.Equal(t, "a.pdf", file.Name)
	assert.Equal(t, "complete", file.State)
	assert.Equal(t, []string{field.FileRemove}, file.Actions)

	post := func(fileID, action string) *http.Response {
		return ts.do(t, http.MethodPost, "/field/"+DemoFieldID+"/files/"+url.PathEscape(fileID)+"/"+action, nil,
			http.Header{"Accept": {"application/json"}})
	}

	resp := post(file.ID, field.FileResume)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post("missing", field.FileRemove)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Removing a completed file drops its URL from the value.
	resp = post(file.ID, field.FileRemove)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts.waitForValue(t, 0)
	assert.Empty(t, ts.value(t).Files)

	state, err := ts.srv.Forms().State(DemoFieldID)
	require.NoError(t, err)
	assert.Empty(t, state.Value)
}

func TestFieldFlow_Rejected(t *testing.T) {
	ts := newTestServer(t, nil)

	out := ts.addFiles(t, map[string]string{"tool.exe": "MZ"})
	assert.Equal(t, 0, out.Accepted)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "FILE002", out.Rejected[0].Code)
	assert.Empty(t, ts.value(t).Value)
}

func TestFieldFlow_HTMX(t *testing.T) {
	ts := newTestServer(t, nil)

	body, ct := multipartBody(t, "files", map[string]string{"tool.exe": "MZ"})
	resp := ts.do(t, http.MethodPost, "/field/"+DemoFieldID+"/files", body, http.Header{
		"Content-Type": {ct},
		"HX-Request":   {"true"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(html), `id="field-attachments"`)
	assert.Contains(t, string(html), "FILE002")

	// Rejections are shown once.
	resp = ts.do(t, http.MethodGet, "/field/"+DemoFieldID+"/", nil, http.Header{"HX-Request": {"true"}})
	html, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(html), "FILE002")
}

func TestFieldTouch_ShowsRequiredError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(html), `id="field-attachments"`)
	assert.NotContains(t, string(html), RequiredMessage)

	resp = ts.do(t, http.MethodPost, "/field/"+DemoFieldID+"/touch", nil, http.Header{"HX-Request": {"true"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(html), RequiredMessage)
}

func TestFieldConfig(t *testing.T) {
	ts := newTestServer(t, nil)

	f, err := ts.srv.Forms().Field(DemoFieldID)
	require.NoError(t, err)
	before := f.Engine()
	require.NotNil(t, before)

	put := func(body string) *http.Response {
		return ts.do(t, http.MethodPut, "/api/field/"+DemoFieldID+"/config", strings.NewReader(body), http.Header{
			"Content-Type": {"application/json"},
		})
	}

	// Same configuration: the engine survives.
	resp := put(`{"config":{"maxFiles":3,"accept":["image/*","video/*",".pdf",".doc",".docx"]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Same(t, before, f.Engine())

	// New restrictions: a new engine enforces them.
	resp = put(`{"config":{"maxFiles":1,"accept":[]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotSame(t, before, f.Engine())

	out := ts.addFiles(t, map[string]string{"a.bin": "1", "b.bin": "2"})
	assert.Equal(t, 1, out.Accepted)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "FILE003", out.Rejected[0].Code)

	resp = put(`{"config":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestField_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/field/missing/value", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/field/missing/touch", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "https://unpkg.com")
}

func TestFormHost_UnmountedField(t *testing.T) {
	h := NewFormHost(field.ManagerOptions{Endpoint: "http://127.0.0.1:1/upload"}, t.TempDir())
	defer h.Close()

	require.NoError(t, h.Mount("docs", field.Config{}, false, ""))
	f, err := h.Field("docs")
	require.NoError(t, err)
	assert.NotNil(t, f.Engine())

	h.Close()
	assert.Nil(t, f.Engine())
	_, err = h.Field("docs")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}
