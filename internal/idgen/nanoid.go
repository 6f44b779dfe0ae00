package idgen

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	SessionIDSize     = 21
	SessionIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NanoIDGenerator produces anonymous session tokens.
type NanoIDGenerator struct {
	size     int
	alphabet string
}

// NewNanoIDGenerator creates a generator. size must be between 1 and 256
// and alphabet must have at least 2 characters.
func NewNanoIDGenerator(size int, alphabet string) (*NanoIDGenerator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet must have at least 2 characters, got %d", len(alphabet))
	}
	return &NanoIDGenerator{size: size, alphabet: alphabet}, nil
}

// NewSessionIDGenerator returns the generator used for anonymous sessions.
func NewSessionIDGenerator() *NanoIDGenerator {
	return &NanoIDGenerator{size: SessionIDSize, alphabet: SessionIDAlphabet}
}

func (g *NanoIDGenerator) Generate() (string, error) {
	id, err := gonanoid.Generate(g.alphabet, g.size)
	if err != nil {
		return "", fmt.Errorf("failed to generate NanoID: %w", err)
	}
	return id, nil
}

// Validate accepts ids drawn from the alphabet with length up to 4x the
// configured size, so clients can keep tokens minted by older versions.
func (g *NanoIDGenerator) Validate(id string) (bool, string) {
	if id == "" || len(id) > g.size*4 {
		return false, fmt.Sprintf("length %d out of range", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune(g.alphabet, c) {
			return false, fmt.Sprintf("character '%c' not in alphabet", c)
		}
	}
	return true, ""
}
