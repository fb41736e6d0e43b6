package web

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidAccount is returned for account ids outside [A-Za-z0-9_-].
	ErrInvalidAccount = errors.New("invalid account")
	// ErrInvalidName is returned for file names that reduce to nothing.
	ErrInvalidName = errors.New("invalid file name")
)

var (
	accountPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	unsafeChars    = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// StoredFile describes a saved upload.
type StoredFile struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Storage keeps uploaded files in a local directory under unique keys of
// the form [<account>/]<uuid>-<name>.
type Storage struct {
	dir       string
	publicURL string
}

// NewStorage creates dir if needed.
func NewStorage(dir, publicURL string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Save writes r under a new key. A partially written file is removed.
func (s *Storage) Save(account, name string, r io.Reader) (StoredFile, error) {
	clean := SanitizeName(name)
	if clean == "" {
		return StoredFile{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	key := uuid.NewString() + "-" + clean
	if account != "" {
		if !accountPattern.MatchString(account) {
			return StoredFile{}, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
		}
		key = account + "/" + key
	}

	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("create account dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return StoredFile{}, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), dst)
	}
	if err != nil {
		os.Remove(f.Name())
		return StoredFile{}, fmt.Errorf("write %s: %w", key, err)
	}

	return StoredFile{Key: key, Name: clean, Size: n, URL: s.URL(key)}, nil
}

// URL returns the public URL of key.
func (s *Storage) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicURL + "/" + strings.Join(parts, "/")
}

// Handler serves stored files. Directory listings and dot files are hidden.
func (s *Storage) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/") || strings.Contains(p, "/.") {
			http.NotFound(w, r)
			return
		}
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "sandbox")
		h.Set("Content-Disposition", disposition(p))
		files.ServeHTTP(w, r)
	})
}

// disposition renders media and plain documents inline. Anything a browser
// could execute as markup is downloaded instead.
func disposition(name string) string {
	ct := mime.TypeByExtension(path.Ext(name))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch {
	case ct == "image/svg+xml":
		return "attachment"
	case strings.HasPrefix(ct, "image/"), strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"),
		ct == "application/pdf", ct == "text/plain":
		return "inline"
	}
	return "attachment"
}

// SanitizeName reduces a client file name to its base name with unsafe
// characters replaced.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "/" || name == "." {
		return ""
	}
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if len(name) > 200 {
		name = name[len(name)-200:]
	}
	return name
}
