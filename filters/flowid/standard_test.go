package flowid

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardGeneratorLength(t *testing.T) {
	for _, l := range []int{0, 7, 65, 100} {
		_, err := NewStandardGenerator(l)
		assert.ErrorIs(t, err, ErrInvalidLen, l)
	}

	for l := MinLength; l <= MaxLength; l++ {
		t.Run(strconv.Itoa(l), func(t *testing.T) {
			g, err := NewStandardGenerator(l)
			require.NoError(t, err)

			id := g.MustGenerate()
			assert.Len(t, id, l)
			assert.True(t, g.IsValid(id), id)
		})
	}
}

func TestStandardGeneratorIsValid(t *testing.T) {
	g, err := NewStandardGenerator(defaultLen)
	require.NoError(t, err)

	for id, valid := range map[string]bool{
		"aZ09-+aZ":              true,
		"5e3b7a1c5e3b7a1c":      true,
		"short":                 false,
		"5e3b7a1c 5e3b7a1c":     false,
		"5e3b7a1c/5e3b7a1c":     false,
		"5e3b7a1c_5e3b":         false,
		string(make([]byte, 9)): false,
	} {
		assert.Equal(t, valid, g.IsValid(id), "%q", id)
	}
}

func TestStandardGeneratorDistinct(t *testing.T) {
	g, err := NewStandardGenerator(MinLength)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for range 1000 {
		seen[g.MustGenerate()] = true
	}

	assert.Greater(t, len(seen), 990)
}

func BenchmarkStandardGenerator(b *testing.B) {
	for _, l := range []int{8, 16, 32, 64} {
		b.Run(strconv.Itoa(l), func(b *testing.B) {
			g, _ := NewStandardGenerator(l)
			for b.Loop() {
				g.MustGenerate()
			}
		})
	}
}
