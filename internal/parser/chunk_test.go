package parser

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSingleParagraph(t *testing.T) {
	t.Parallel()

	pages := []Page{{Number: 1, Text: "A short paragraph."}}
	chunks := Split(pages, 100)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 0, chunks[0].Offset)
	assert.Equal(t, "A short paragraph.", chunks[0].Text)
}

func TestSplitPacksParagraphs(t *testing.T) {
	t.Parallel()

	text := "First paragraph.\n\nSecond paragraph.\n\nThird paragraph."
	chunks := Split([]Page{{Number: 1, Text: text}}, 100)

	// All three fit into one chunk under the limit.
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
}

func TestSplitRespectsLimit(t *testing.T) {
	t.Parallel()

	para := strings.Repeat("word ", 10) // 50 bytes
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)
	chunks := Split([]Page{{Number: 1, Text: text}}, 110)

	// Two paragraphs fit per chunk (49 + 2 + 49 = 100), the third spills.
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 110)
	}
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
}

func TestSplitOffsetsPointIntoPage(t *testing.T) {
	t.Parallel()

	text := "Alpha paragraph.\n\nBeta paragraph."
	chunks := Split([]Page{{Number: 1, Text: text}}, 20)

	require.Len(t, chunks, 2)
	for _, c := range chunks {
		// Offset must locate the chunk's first characters in the page.
		assert.True(t, strings.HasPrefix(text[c.Offset:], c.Text[:5]),
			"offset %d does not point at chunk start", c.Offset)
	}
}

func TestSplitOversizedParagraph(t *testing.T) {
	t.Parallel()

	text := strings.TrimSpace(strings.Repeat("lorem ipsum dolor ", 30)) // ~540 bytes, no blank lines
	chunks := Split([]Page{{Number: 1, Text: text}}, 200)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 200)
		// Word-boundary splitting must not cut inside a word.
		assert.False(t, strings.HasPrefix(c.Text, "psum"), "chunk starts mid-word: %q", c.Text[:10])
	}
	// Nothing is lost: rejoining recovers every word.
	joined := strings.Join(func() []string {
		var out []string
		for _, c := range chunks {
			out = append(out, c.Text)
		}
		return out
	}(), " ")
	assert.Equal(t, strings.Fields(text), strings.Fields(joined))
}

func TestSplitMultiplePages(t *testing.T) {
	t.Parallel()

	pages := []Page{
		{Number: 1, Text: "Page one text."},
		{Number: 2, Text: ""},
		{Number: 3, Text: "Page three text."},
	}
	chunks := Split(pages, 100)

	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, 3, chunks[1].Page)
}

func TestSplitEmptyInput(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Split(nil, 100))
	assert.Empty(t, Split([]Page{{Number: 1, Text: "   \n\n  "}}, 100))
}

func TestSplitDoesNotCutRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("документооборот", 40) // multibyte, no spaces
	chunks := Split([]Page{{Number: 1, Text: text}}, 100)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text), "chunk contains a broken rune: %q", c.Text)
	}
}

func TestSplitDefaultLimit(t *testing.T) {
	t.Parallel()

	text := strings.TrimSpace(strings.Repeat("filler text ", 500)) // ~6000 bytes
	chunks := Split([]Page{{Number: 1, Text: text}}, 0)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), DefaultMaxChunkChars)
	}
}
