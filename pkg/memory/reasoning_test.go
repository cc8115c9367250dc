package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReasoning(t *testing.T) {
	r, c, ok := ParseReasoning("  <think>plan it</think>\nAnn left.", "<think>", "</think>")
	assert.True(t, ok)
	assert.Equal(t, "plan it", r)
	assert.Equal(t, "Ann left.", c)

	_, c, ok = ParseReasoning("Ann left.", "<think>", "</think>")
	assert.False(t, ok)
	assert.Equal(t, "Ann left.", c)

	_, _, ok = ParseReasoning("<think>never closed", "<think>", "</think>")
	assert.False(t, ok)

	_, _, ok = ParseReasoning("<think></think>Ann left.", "<think>", "</think>")
	assert.False(t, ok)
}

func TestTrimToEndSentence(t *testing.T) {
	assert.Equal(t, "Ann left. Bob stayed!", TrimToEndSentence("Ann left. Bob stayed! Then they"))
	assert.Equal(t, "no ending", TrimToEndSentence("no ending"))
	assert.Equal(t, "Done.", TrimToEndSentence("Done.  \n"))
}
