package assembler_test

import (
	"testing"

	"github.com/book-expert/voiceover-service/internal/assembler"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombine_ConcatenatesInOrder(t *testing.T) {
	t.Parallel()

	blobs := []core.AudioBlob{
		{Data: []byte("one-"), MediaType: "audio/mpeg"},
		{Data: []byte("two-"), MediaType: "audio/mpeg"},
		{Data: []byte("three"), MediaType: "audio/mpeg"},
	}

	artifact, err := assembler.Combine(blobs)
	require.NoError(t, err)

	assert.Equal(t, []byte("one-two-three"), artifact.Combined.Data)
	assert.Equal(t, "audio/mpeg", artifact.Combined.MediaType)
	assert.Equal(t, blobs, artifact.Chunks)
	assert.False(t, artifact.Partial)
}

func TestCombine_DefaultsMediaType(t *testing.T) {
	t.Parallel()

	artifact, err := assembler.Combine([]core.AudioBlob{{Data: []byte("a")}, {Data: []byte("b"), MediaType: "audio/mpeg"}})
	require.NoError(t, err)

	assert.Equal(t, core.DefaultMediaType, artifact.Combined.MediaType)
	assert.Equal(t, core.DefaultMediaType, artifact.Chunks[0].MediaType)
}

func TestCombine_RejectsEmptyAndMixed(t *testing.T) {
	t.Parallel()

	_, err := assembler.Combine(nil)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = assembler.Combine([]core.AudioBlob{
		{Data: []byte("a"), MediaType: "audio/mpeg"},
		{Data: []byte("b"), MediaType: "audio/wav"},
	})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
	assert.Contains(t, err.Error(), "chunk 2")
}

func TestCombinePartial(t *testing.T) {
	t.Parallel()

	artifact, ok := assembler.CombinePartial([]core.AudioBlob{{Data: []byte("x"), MediaType: "audio/mpeg"}})
	require.True(t, ok)
	assert.True(t, artifact.Partial)
	assert.Equal(t, []byte("x"), artifact.Combined.Data)

	_, ok = assembler.CombinePartial(nil)
	assert.False(t, ok)
}
