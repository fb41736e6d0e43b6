package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend stores nothing and answers every upload with a URL built from
// the file name.
func backend(t *testing.T, wantKey string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if wantKey != "" && r.Header.Get(apiKeyHeader) != wantKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		io.Copy(io.Discard, file)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"url":"https://cdn.test/%s/%s"}`, r.URL.Query().Get("account"), header.Filename)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunUpload(t *testing.T) {
	srv, calls := backend(t, "secret")
	dir := t.TempDir()

	cfgFile := writeFile(t, dir, "field.yaml", "maxFiles: 2\naccept: [\".pdf\"]\n")
	a := writeFile(t, dir, "a.pdf", "aaa")
	b := writeFile(t, dir, "b.exe", "bbb")
	c := writeFile(t, dir, "c.pdf", "ccc")
	d := writeFile(t, dir, "d.pdf", "ddd")

	var stdout, stderr bytes.Buffer
	err := runUpload(context.Background(), uploadOptions{
		Endpoint:   srv.URL + "/api/upload",
		Account:    "42",
		ConfigFile: cfgFile,
		APIKey:     "secret",
		FieldID:    "cli",
		Limit:      2,
	}, []string{a, b, c, d}, &stdout, &stderr, discard())
	require.NoError(t, err)

	var value []string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &value))
	assert.ElementsMatch(t, []string{"https://cdn.test/42/a.pdf", "https://cdn.test/42/c.pdf"}, value)
	assert.EqualValues(t, 2, calls.Load())

	assert.Contains(t, stderr.String(), "skipped b.exe")
	assert.Contains(t, stderr.String(), "FILE002")
	assert.Contains(t, stderr.String(), "skipped d.pdf")
	assert.Contains(t, stderr.String(), "FILE003")
}

func TestRunUpload_Failure(t *testing.T) {
	srv, _ := backend(t, "secret")
	a := writeFile(t, t.TempDir(), "a.pdf", "aaa")

	var stdout, stderr bytes.Buffer
	err := runUpload(context.Background(), uploadOptions{
		Endpoint: srv.URL,
		APIKey:   "wrong",
		FieldID:  "cli",
	}, []string{a}, &stdout, &stderr, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 uploads failed")
	assert.Equal(t, "[]", strings.TrimSpace(stdout.String()))
	assert.Contains(t, stderr.String(), "failed a.pdf")
}

func TestRunUpload_MissingFile(t *testing.T) {
	err := runUpload(context.Background(), uploadOptions{Endpoint: "http://127.0.0.1:1", FieldID: "cli"},
		[]string{filepath.Join(t.TempDir(), "nope.pdf")}, io.Discard, io.Discard, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file does not exist")
}

func TestLoadFieldConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadFieldConfig("")
	require.NoError(t, err)
	assert.Nil(t, cfg.Accept, "defaults apply when no file is given")

	p := writeFile(t, dir, "ok.yaml", "maxFiles: 3\nmaxSizeBytes: 1024\naccept: []\nhelpText: PDFs only\n")
	cfg, err = loadFieldConfig(p)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxFiles)
	assert.Equal(t, int64(1024), cfg.MaxSizeBytes)
	assert.NotNil(t, cfg.Accept)
	assert.Empty(t, cfg.Accept)
	assert.Equal(t, "PDFs only", cfg.HelpText)

	_, err = loadFieldConfig(writeFile(t, dir, "bad.yaml", "maxFiles: [\n"))
	assert.Error(t, err)

	_, err = loadFieldConfig(writeFile(t, dir, "neg.yaml", "maxFiles: -1\n"))
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"upload"})

	err := root.Execute()
	require.Error(t, err, "upload requires at least one file")
}
