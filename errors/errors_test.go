package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	sentinel := New("job not found")

	wrapped := Wrap(sentinel, "loading definition")
	require.Error(t, wrapped)
	assert.True(t, Is(wrapped, sentinel))
	assert.Contains(t, wrapped.Error(), "loading definition")
}

func TestHintsSurviveWrapping(t *testing.T) {
	err := WithHint(New("cron expression rejected"), "expected five fields, e.g. \"0 * * * *\"")
	err = Wrap(err, "validating schedule")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Contains(t, hints[0], "five fields")
}
