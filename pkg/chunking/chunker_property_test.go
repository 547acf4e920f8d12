//go:build property
// +build property

package chunking_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tracefirst/attest/pkg/chunking"
)

// Property: identical inputs yield identical chunk lists, and the windows
// tile the text with the configured overlap.
func TestChunkingDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chunking is deterministic", prop.ForAll(
		func(text string, tenant string) bool {
			a, err1 := chunking.BuildPageChunks("d0", tenant, 1, text, 40, 10)
			b, err2 := chunking.BuildPageChunks("d0", tenant, 1, text, 40, 10)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.AlphaString(),
	))

	properties.Property("windows cover the text without gaps", prop.ForAll(
		func(text string) bool {
			chunks, err := chunking.BuildPageChunks("d0", "default", 1, text, 40, 10)
			if err != nil {
				return false
			}
			if len(chunks) == 0 {
				return false
			}
			runeLen := len([]rune(text))
			if chunks[0].StartOffset != 0 {
				return false
			}
			if chunks[len(chunks)-1].EndOffset != runeLen {
				return false
			}
			for i := 1; i < len(chunks); i++ {
				// Each window starts inside its predecessor.
				if chunks[i].StartOffset > chunks[i-1].EndOffset {
					return false
				}
				if chunks[i].StartOffset <= chunks[i-1].StartOffset {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
