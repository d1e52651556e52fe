package simulation

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// JoinCodeAlphabet drops 0/O and 1/I so codes survive being read aloud.
	JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	JoinCodeSize     = 6

	ShareLinkAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	ShareLinkSize     = 21
)

// CodeGenerator produces random identifiers of a fixed size and alphabet.
type CodeGenerator struct {
	size     int
	alphabet string
}

// NewCodeGenerator validates size (1..256) and alphabet (at least 2 chars).
func NewCodeGenerator(size int, alphabet string) (*CodeGenerator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("code size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("code alphabet must have at least 2 characters, got %d", len(alphabet))
	}
	return &CodeGenerator{size: size, alphabet: alphabet}, nil
}

func (g *CodeGenerator) Generate() (string, error) {
	id, err := gonanoid.Generate(g.alphabet, g.size)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return id, nil
}

// Valid reports whether id could have come from this generator.
func (g *CodeGenerator) Valid(id string) bool {
	if len(id) != g.size {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(g.alphabet, c) {
			return false
		}
	}
	return true
}

// NormalizeCode upper-cases and trims a user-typed join code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
