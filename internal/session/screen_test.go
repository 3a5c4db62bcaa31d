package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderScreenPlainTextAppearsVerbatim(t *testing.T) {
	out := RenderScreen([]byte("hello world"))
	assert.True(t, strings.HasPrefix(out, "hello world"))
}

func TestRenderScreenTrimsTrailingBlankLines(t *testing.T) {
	out := RenderScreen([]byte("line one\r\n"))
	lines := strings.Split(out, "\n")
	assert.Equal(t, "line one", strings.TrimRight(lines[0], " "))
	for _, l := range lines[1:] {
		assert.Empty(t, l, "no trailing blank lines should survive RenderScreen")
	}
}

func TestRenderScreenEmptyInputProducesEmptyString(t *testing.T) {
	assert.Equal(t, "", RenderScreen(nil))
}
