package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const docHash = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"

func TestBuildPageChunks_ShortTextSingleWindow(t *testing.T) {
	chunks, err := BuildPageChunks(docHash, DefaultTenant, 1, "short text", 800, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 10, chunks[0].EndOffset)
	assert.Equal(t, "short text", chunks[0].Text)
	assert.Equal(t, ChunkID(docHash, 1, 0, 10), chunks[0].ChunkID)
}

func TestBuildPageChunks_WindowArithmetic(t *testing.T) {
	text := strings.Repeat("a", 1800)
	chunks, err := BuildPageChunks(docHash, DefaultTenant, 1, text, 800, 100)
	require.NoError(t, err)
	// Windows: [0,800) [700,1500) [1400,1800)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 800, chunks[0].EndOffset)
	assert.Equal(t, 700, chunks[1].StartOffset)
	assert.Equal(t, 1500, chunks[1].EndOffset)
	assert.Equal(t, 1400, chunks[2].StartOffset)
	assert.Equal(t, 1800, chunks[2].EndOffset)
}

func TestBuildPageChunks_ExactSizeNoTrailingWindow(t *testing.T) {
	text := strings.Repeat("b", 800)
	chunks, err := BuildPageChunks(docHash, DefaultTenant, 1, text, 800, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 800, chunks[0].EndOffset)
}

func TestBuildPageChunks_EmptyTextZeroLengthChunk(t *testing.T) {
	chunks, err := BuildPageChunks(docHash, DefaultTenant, 3, "", 800, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 0, chunks[0].EndOffset)
	assert.Equal(t, "", chunks[0].Text)
	assert.Equal(t, ChunkID(docHash, 3, 0, 0), chunks[0].ChunkID)
}

func TestBuildPageChunks_OverlapBounds(t *testing.T) {
	_, err := BuildPageChunks(docHash, DefaultTenant, 1, "x", 800, -1)
	assert.Error(t, err)
	_, err = BuildPageChunks(docHash, DefaultTenant, 1, "x", 800, 800)
	assert.Error(t, err)
	// overlap = size-1 is the legal maximum.
	_, err = BuildPageChunks(docHash, DefaultTenant, 1, strings.Repeat("c", 10), 4, 3)
	assert.NoError(t, err)
}

func TestBuildPageChunks_TenantSeedSeparation(t *testing.T) {
	defaultChunks, err := BuildPageChunks(docHash, DefaultTenant, 1, "same text", 800, 100)
	require.NoError(t, err)
	tenantChunks, err := BuildPageChunks(docHash, "acme", 1, "same text", 800, 100)
	require.NoError(t, err)

	assert.NotEqual(t, defaultChunks[0].ChunkID, tenantChunks[0].ChunkID)
	assert.Equal(t, ChunkID(docHash+":acme", 1, 0, 9), tenantChunks[0].ChunkID)
}

func TestBuildPageChunks_Deterministic(t *testing.T) {
	text := strings.Repeat("determinism ", 200)
	a, err := BuildPageChunks(docHash, "acme", 7, text, 800, 100)
	require.NoError(t, err)
	b, err := BuildPageChunks(docHash, "acme", 7, text, 800, 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildPageChunks_RuneOffsets(t *testing.T) {
	// Multibyte runes count as single offsets.
	text := strings.Repeat("ä", 10)
	chunks, err := BuildPageChunks(docHash, DefaultTenant, 1, text, 4, 1)
	require.NoError(t, err)
	// Windows: [0,4) [3,7) [6,10)
	require.Len(t, chunks, 3)
	assert.Equal(t, "ääää", chunks[0].Text)
	assert.Equal(t, 10, chunks[2].EndOffset)
}
