package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/uploadfield/internal/engine"
)

func TestField_ViewData(t *testing.T) {
	f, _ := newFakeField(t)
	require.NoError(t, f.Mount(Props{ID: "attachments", Value: []string{"u1"}, Touched: true, Error: "bad"}, newContainer()))

	d := f.ViewData(Actions{Upload: "/up"})
	assert.Equal(t, "attachments", d.ID)
	assert.Equal(t, []string{"u1"}, d.Value)
	assert.Equal(t, DefaultAccept, d.Config.Accept)
	assert.True(t, d.Touched)
	assert.Empty(t, d.Files)
}

func TestActions_File(t *testing.T) {
	a := Actions{Upload: "/field/attachments/files"}
	assert.Equal(t, "/field/attachments/files/f%2F1/retry", a.File("f/1", FileRetry))
}

func TestFileActions(t *testing.T) {
	tests := []struct {
		state engine.State
		want  []string
	}{
		{engine.StateQueued, []string{FilePause, FileRemove}},
		{engine.StateUploading, []string{FilePause, FileRemove}},
		{engine.StatePaused, []string{FileResume, FileRemove}},
		{engine.StateError, []string{FileRetry, FileRemove}},
		{engine.StateComplete, []string{FileRemove}},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FileActions(engine.File{State: tt.state}))
		})
	}
}
