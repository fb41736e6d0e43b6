package field

import (
	"strconv"
	"strings"

	"github.com/JonMunkholm/uploadfield/internal/engine"
)

// Configuration defaults.
const (
	DefaultMaxFiles     = 10
	DefaultMaxSizeBytes = int64(1 << 30)
)

// DefaultAccept is used when Config.Accept is nil.
var DefaultAccept = []string{"image/*", "video/*", ".pdf", ".doc", ".docx"}

// Config is the per-mount field configuration. A change to any of its
// values recreates the field's engine.
//
// A nil Accept means DefaultAccept; a non-nil empty Accept accepts every
// file type.
type Config struct {
	MaxFiles     int      `json:"maxFiles,omitempty" yaml:"maxFiles,omitempty"`
	MaxSizeBytes int64    `json:"maxSizeBytes,omitempty" yaml:"maxSizeBytes,omitempty"`
	Accept       []string `json:"accept" yaml:"accept"`
	HelpText     string   `json:"helpText,omitempty" yaml:"helpText,omitempty"`
}

// Normalize returns a copy with defaults applied and accept patterns
// trimmed. Normalize never returns a nil Accept.
func (c Config) Normalize() Config {
	if c.MaxFiles <= 0 {
		c.MaxFiles = DefaultMaxFiles
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if c.Accept == nil {
		c.Accept = append([]string(nil), DefaultAccept...)
		return c
	}
	accept := make([]string, 0, len(c.Accept))
	for _, p := range c.Accept {
		if p = strings.TrimSpace(p); p != "" {
			accept = append(accept, p)
		}
	}
	c.Accept = accept
	return c
}

// Restrictions translates the configuration into engine restrictions.
func (c Config) Restrictions() engine.Restrictions {
	n := c.Normalize()
	r := engine.Restrictions{
		MaxNumberOfFiles: n.MaxFiles,
		MaxFileSize:      n.MaxSizeBytes,
	}
	if len(n.Accept) > 0 {
		r.AllowedFileTypes = n.Accept
	}
	return r
}

// AcceptAttr renders the accept patterns for an <input type="file">.
func (c Config) AcceptAttr() string {
	return strings.Join(c.Normalize().Accept, ",")
}

// sessionKey identifies a session by the values that require a new engine.
// Two configurations with equal keys share a session even when they are
// different values (for example a freshly built Accept slice).
type sessionKey struct {
	fieldID  string
	maxFiles int
	maxSize  int64
	accept   string
	helpText string
	account  string
}

func newSessionKey(fieldID string, cfg Config, account string) sessionKey {
	n := cfg.Normalize()
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(n.Accept)))
	for _, p := range n.Accept {
		b.WriteByte(0)
		b.WriteString(p)
	}
	return sessionKey{
		fieldID:  fieldID,
		maxFiles: n.MaxFiles,
		maxSize:  n.MaxSizeBytes,
		accept:   b.String(),
		helpText: n.HelpText,
		account:  account,
	}
}
