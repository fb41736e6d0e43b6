package templates

import (
	"strings"

	"github.com/JonMunkholm/uploadfield/internal/field"
)

// fieldTarget is the htmx target that swaps the whole field.
func fieldTarget(d field.ViewData) string {
	return "#field-" + d.ID
}

// actionLabel is the button text of a per-file control.
func actionLabel(action string) string {
	if action == "" {
		return ""
	}
	return strings.ToUpper(action[:1]) + action[1:]
}
