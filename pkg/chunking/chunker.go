// Package chunking splits extracted page text into overlapping windows with
// deterministic identifiers. The chunk ID seed, window arithmetic, and
// ordering are frozen: any change invalidates every stored chunk reference
// and cached run.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Window defaults shared by ingestion and re-chunking.
const (
	DefaultSize    = 800
	DefaultOverlap = 100
)

// DefaultTenant is the tenant whose chunk IDs omit the tenant component.
// Existing rows were written with the bare seed before tenancy landed, so
// the boundary must stay exactly here.
const DefaultTenant = "default"

// Chunk is one deterministic text window of a page.
type Chunk struct {
	ChunkID     string
	PageNumber  int
	StartOffset int
	EndOffset   int
	Text        string
}

// BuildPageChunks windows text into [i, i+size) slices advancing by
// size-overlap, clamping the final window to the text length. Offsets are
// rune offsets. Empty text yields a single zero-length chunk so the page
// stays observable downstream.
func BuildPageChunks(documentHash, tenantID string, pageNumber int, text string, size, overlap int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunking: size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunking: overlap %d out of range for size %d", overlap, size)
	}
	step := size - overlap

	runes := []rune(text)
	type window struct{ start, end int }
	var windows []window
	if len(runes) == 0 {
		windows = []window{{0, 0}}
	} else {
		for i := 0; ; i += step {
			end := i + size
			if end > len(runes) {
				end = len(runes)
			}
			windows = append(windows, window{i, end})
			if i+size >= len(runes) {
				break
			}
		}
	}

	seed := Seed(documentHash, tenantID)
	chunks := make([]Chunk, 0, len(windows))
	for _, w := range windows {
		chunks = append(chunks, Chunk{
			ChunkID:     ChunkID(seed, pageNumber, w.start, w.end),
			PageNumber:  pageNumber,
			StartOffset: w.start,
			EndOffset:   w.end,
			Text:        string(runes[w.start:w.end]),
		})
	}
	return chunks, nil
}

// Seed returns the chunk ID seed: the document hash alone for the default
// tenant, otherwise hash:tenant.
func Seed(documentHash, tenantID string) string {
	if tenantID == DefaultTenant {
		return documentHash
	}
	return documentHash + ":" + tenantID
}

// ChunkID hashes "<seed>:<page>:<start>:<end>".
func ChunkID(seed string, pageNumber, start, end int) string {
	var sb strings.Builder
	sb.WriteString(seed)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(pageNumber))
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(start))
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(end))
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
