// ABOUTME: Tests for markdown to Telegram HTML rendering.
// ABOUTME: Checks the tag reductions down to Telegram's supported set.

package botbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     string
	}{
		{
			name:     "plain text",
			markdown: "hello world",
			want:     "hello world",
		},
		{
			name:     "bold and italic",
			markdown: "**bold** and *soft*",
			want:     "<b>bold</b> and <i>soft</i>",
		},
		{
			name:     "inline code survives",
			markdown: "run `go vet` first",
			want:     "run <code>go vet</code> first",
		},
		{
			name:     "heading becomes bold",
			markdown: "# Title\n\nbody",
			want:     "<b>Title</b>\n\nbody",
		},
		{
			name:     "list becomes bullets",
			markdown: "- one\n- two",
			want:     "• one\n• two",
		},
		{
			name:     "code block loses the language wrapper",
			markdown: "```\nx := 1\n```",
			want:     "<pre>x := 1\n</pre>",
		},
		{
			name:     "strikethrough",
			markdown: "~~gone~~",
			want:     "<s>gone</s>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := renderHTML(tt.markdown)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderHTML_ParagraphSpacing(t *testing.T) {
	got, ok := renderHTML("first\n\nsecond")
	require.True(t, ok)
	assert.Equal(t, "first\n\nsecond", got)
}
