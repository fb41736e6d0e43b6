package engine

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// ErrRestriction is matched (via errors.Is) by every *RestrictionError.
var ErrRestriction = errors.New("file restriction violated")

// Restriction reasons.
const (
	ReasonMaxFiles = "max-files"
	ReasonMaxSize  = "max-size"
	ReasonFileType = "file-type"
)

// RestrictionError reports why a file was refused.
type RestrictionError struct {
	Reason string
	File   string
	Detail string
}

func (e *RestrictionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.File, e.Reason, e.Detail)
}

// Is makes errors.Is(err, ErrRestriction) hold.
func (e *RestrictionError) Is(target error) bool {
	return target == ErrRestriction
}

// Restrictions limit what AddFile accepts. Zero values disable a limit;
// a nil or empty AllowedFileTypes accepts every type.
type Restrictions struct {
	MaxNumberOfFiles int
	MaxFileSize      int64
	AllowedFileTypes []string
}

// check validates src given the number of files already tracked.
func (r Restrictions) check(tracked int, src Source) error {
	if r.MaxNumberOfFiles > 0 && tracked >= r.MaxNumberOfFiles {
		return &RestrictionError{
			Reason: ReasonMaxFiles,
			File:   src.Name,
			Detail: fmt.Sprintf("you can only upload %d files", r.MaxNumberOfFiles),
		}
	}
	if r.MaxFileSize > 0 && src.Size > r.MaxFileSize {
		return &RestrictionError{
			Reason: ReasonMaxSize,
			File:   src.Name,
			Detail: fmt.Sprintf("file too large: %d bytes exceeds maximum allowed size of %d", src.Size, r.MaxFileSize),
		}
	}
	if len(r.AllowedFileTypes) > 0 && !MatchesType(src.Name, src.Type, r.AllowedFileTypes) {
		return &RestrictionError{
			Reason: ReasonFileType,
			File:   src.Name,
			Detail: "file type not allowed, accepted: " + strings.Join(r.AllowedFileTypes, ", "),
		}
	}
	return nil
}

// MatchesType reports whether a file matches any accept pattern.
//
// Patterns are either MIME types ("application/pdf"), MIME wildcards
// ("image/*") or extensions (".pdf"). Extensions match the file name
// case-insensitively. When contentType is empty it is inferred from the
// extension.
func MatchesType(name, contentType string, patterns []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if contentType == "" && ext != "" {
		contentType = mime.TypeByExtension(ext)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "":
			continue
		case strings.HasPrefix(p, "."):
			if ext == p {
				return true
			}
		case strings.HasSuffix(p, "/*"):
			if contentType != "" && strings.HasPrefix(contentType, strings.TrimSuffix(p, "*")) {
				return true
			}
		default:
			if contentType == p {
				return true
			}
		}
	}
	return false
}
