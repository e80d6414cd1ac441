package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSentencesOffsets(t *testing.T) {
	text := "First sentence here. Second sentence follows."

	spans := splitSentences(text)

	require.Len(t, spans, 2)
	assert.Equal(t, "First sentence here.", text[spans[0].start:spans[0].end])
	assert.Equal(t, "Second sentence follows.", text[spans[1].start:spans[1].end])
}

func TestSplitSentencesSingle(t *testing.T) {
	text := "Only one sentence without a terminator"

	spans := splitSentences(text)

	require.Len(t, spans, 1)
	assert.Equal(t, text, text[spans[0].start:spans[0].end])
}

func TestNaiveSentences(t *testing.T) {
	text := "Hello world. How now? All done."

	spans := naiveSentences(text)

	require.Len(t, spans, 3)
	assert.Equal(t, "Hello world.", text[spans[0].start:spans[0].end])
	assert.Equal(t, "How now?", text[spans[1].start:spans[1].end])
	assert.Equal(t, "All done.", text[spans[2].start:spans[2].end])
}

func TestNaiveSentencesUnterminated(t *testing.T) {
	spans := naiveSentences("trailing fragment")

	require.Len(t, spans, 1)
}

func TestNaiveSentencesEmpty(t *testing.T) {
	assert.Empty(t, naiveSentences(""))
	assert.Empty(t, naiveSentences("   "))
}
