package field

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// DisplayName derives a label for a committed URL: its last path segment,
// without the unique prefix a storage backend adds ("<uuid>-name.pdf").
// index is the URL's position in the value and names the fallback label.
func DisplayName(rawURL string, index int) string {
	seg := rawURL
	if i := strings.IndexAny(seg, "?#"); i >= 0 {
		seg = seg[:i]
	}
	if i := strings.LastIndexByte(seg, '/'); i >= 0 {
		seg = seg[i+1:]
	}
	if s, err := url.PathUnescape(seg); err == nil {
		seg = s
	}
	if len(seg) > 37 && seg[36] == '-' {
		if _, err := uuid.Parse(seg[:36]); err == nil {
			seg = seg[37:]
		}
	}
	if seg == "" {
		return fmt.Sprintf("File %d", index+1)
	}
	return seg
}
