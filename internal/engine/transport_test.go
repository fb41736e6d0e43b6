package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseBody(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"json object", `{"url":"https://cdn.example.com/a.pdf"}`, map[string]any{"url": "https://cdn.example.com/a.pdf"}},
		{"json without url", `{"id":"42"}`, map[string]any{"id": "42"}},
		{"plain text", "https://cdn.example.com/b.pdf\n", map[string]any{"url": "https://cdn.example.com/b.pdf"}},
		{"json array", `[1,2]`, map[string]any{}},
		{"json string", `"https://x/a.pdf"`, map[string]any{}},
		{"json number", `42`, map[string]any{}},
		{"json null", `null`, map[string]any{}},
		{"empty", "", map[string]any{"url": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResponseBody([]byte(tt.raw)))
		})
	}
}

func TestEndpointFor(t *testing.T) {
	assert.Equal(t, "/api/upload", EndpointFor("/api/upload", ""))
	assert.Equal(t, "/api/upload?account=42", EndpointFor("/api/upload", "42"))
	assert.Equal(t, "http://host/api/upload?account=7&v=1", EndpointFor("http://host/api/upload?v=1", "7"))
}

func TestHTTPTransport_SendsMultipart(t *testing.T) {
	var gotField, gotName, gotBody, gotAccount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = r.URL.Query().Get("account")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for field, headers := range r.MultipartForm.File {
			gotField = field
			gotName = headers[0].Filename
			f, err := headers[0].Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			f.Close()
			gotBody = string(data)
		}
		w.Header().Set("Location", "/files/report.pdf")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"url":"https://cdn.example.com/files/report.pdf"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportOptions{Endpoint: EndpointFor(srv.URL+"/api/upload", "42")})
	resp, err := tr.Upload(context.Background(),
		File{Name: "report.pdf", Type: "application/pdf"}, strings.NewReader("%PDF"))
	require.NoError(t, err)

	assert.Equal(t, "file", gotField)
	assert.Equal(t, "report.pdf", gotName)
	assert.Equal(t, "%PDF", gotBody)
	assert.Equal(t, "42", gotAccount)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "https://cdn.example.com/files/report.pdf", resp.Body["url"])
	assert.Equal(t, srv.URL+"/files/report.pdf", resp.UploadURL)
}

func TestHTTPTransport_PlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte("https://cdn.example.com/files/raw.txt"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportOptions{Endpoint: srv.URL})
	resp, err := tr.Upload(context.Background(), File{Name: "raw.txt"}, strings.NewReader("raw"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/files/raw.txt", resp.Body["url"])
	assert.Empty(t, resp.UploadURL)
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportOptions{Endpoint: srv.URL})
	_, err := tr.Upload(context.Background(), File{Name: "big.bin"}, strings.NewReader("x"))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, httpErr.Status)
	assert.Contains(t, httpErr.Error(), "file too large")
}

func TestHTTPTransport_InstallRequiresEndpoint(t *testing.T) {
	e, err := New(Options{ID: "upload-transport"})
	require.NoError(t, err)
	defer e.Close()

	assert.Error(t, e.Use(NewHTTPTransport(TransportOptions{})))
	require.NoError(t, e.Use(NewHTTPTransport(TransportOptions{Endpoint: "http://localhost/api/upload", Limit: 3})))
	assert.Equal(t, 3, e.Status().MaxConcurrent)
}

func TestMatchesType(t *testing.T) {
	defaults := []string{"image/*", "video/*", ".pdf", ".doc", ".docx"}
	tests := []struct {
		name, contentType string
		want              bool
	}{
		{"photo.jpg", "image/jpeg", true},
		{"clip.mp4", "video/mp4", true},
		{"Report.PDF", "", true},
		{"letter.docx", "application/octet-stream", true},
		{"notes.txt", "text/plain; charset=utf-8", false},
		{"archive.zip", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesType(tt.name, tt.contentType, defaults), tt.name)
	}
	assert.True(t, MatchesType("data.csv", "text/csv", []string{"text/csv"}))
}
