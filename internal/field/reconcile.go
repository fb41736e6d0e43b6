package field

import (
	"slices"
	"strings"

	"github.com/JonMunkholm/uploadfield/internal/engine"
)

// ExtractURL returns the file URL carried by an upload response: the body's
// "url" string when present, otherwise the transport's canonical upload URL.
// It reports false when neither yields a usable string.
func ExtractURL(resp *engine.Response) (string, bool) {
	if resp == nil {
		return "", false
	}
	if u, ok := resp.Body["url"].(string); ok && strings.TrimSpace(u) != "" {
		return u, true
	}
	if strings.TrimSpace(resp.UploadURL) != "" {
		return resp.UploadURL, true
	}
	return "", false
}

// AppendURL adds url to the end of current unless it is already present.
// current is never modified.
func AppendURL(current []string, url string) ([]string, bool) {
	if slices.Contains(current, url) {
		return current, false
	}
	next := make([]string, 0, len(current)+1)
	next = append(next, current...)
	return append(next, url), true
}

// RemoveURL drops url from current, keeping every other entry in order.
// current is never modified.
func RemoveURL(current []string, url string) ([]string, bool) {
	if !slices.Contains(current, url) {
		return current, false
	}
	next := make([]string, 0, len(current)-1)
	for _, u := range current {
		if u != url {
			next = append(next, u)
		}
	}
	return next, true
}

// Reconcile derives the next committed value from an engine event.
//
// UploadSuccess appends the uploaded file's URL and FileRemoved drops the
// URL of a previously completed file. Every other event, and any event
// without a usable URL, leaves the value unchanged. The boolean reports
// whether the value changed.
func Reconcile(ev engine.Event, current []string) ([]string, bool) {
	switch ev := ev.(type) {
	case engine.UploadSuccess:
		url, ok := ExtractURL(&ev.Response)
		if !ok {
			return current, false
		}
		return AppendURL(current, url)

	case engine.FileRemoved:
		url, ok := ExtractURL(ev.File.Response)
		if !ok {
			return current, false
		}
		return RemoveURL(current, url)
	}
	return current, false
}
