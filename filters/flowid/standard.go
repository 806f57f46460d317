package flowid

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	MaxLength  = 64
	MinLength  = 8
	defaultLen = 16

	// 64 symbols, so every random byte masked to 6 bits selects one.
	standardAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-+"
)

var ErrInvalidLen = fmt.Errorf("invalid length, must be between %d and %d", MinLength, MaxLength)

type standardGenerator struct {
	length int
}

// NewStandardGenerator creates a generator of random flow ids of length
// l, drawn from the alphanumeric characters plus '-' and '+'. It is safe
// for concurrent use.
func NewStandardGenerator(l int) (Generator, error) {
	if l < MinLength || l > MaxLength {
		return nil, ErrInvalidLen
	}

	return &standardGenerator{length: l}, nil
}

func (g *standardGenerator) Generate() (string, error) {
	b := make([]byte, g.length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	for i := range b {
		b[i] = standardAlphabet[b[i]&63]
	}

	return string(b), nil
}

func (g *standardGenerator) MustGenerate() string {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}

	return id
}

func (g *standardGenerator) IsValid(flowID string) bool {
	if len(flowID) < MinLength || len(flowID) > MaxLength {
		return false
	}

	for i := 0; i < len(flowID); i++ {
		if strings.IndexByte(standardAlphabet, flowID[i]) < 0 {
			return false
		}
	}

	return true
}
