// Package checksum computes content hashes and token estimates for documents.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode"
	"unicode/utf8"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumString is Sum for string content.
func SumString(s string) string {
	return Sum([]byte(s))
}

// Tokens returns a model-agnostic token estimate for text.
//
// Each word contributes one token per four runes (rounded up) and every
// punctuation or symbol rune counts as a token of its own. The estimate tracks
// BPE tokenizers closely enough for context sizing without pinning a vocabulary.
func Tokens(text string) int {
	tokens := 0
	wordRunes := 0
	flush := func() {
		if wordRunes > 0 {
			tokens += (wordRunes + 3) / 4
			wordRunes = 0
		}
	}
	for len(text) > 0 {
		r, size := utf8.DecodeRuneInString(text)
		text = text[size:]
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			wordRunes++
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens++
		}
	}
	flush()
	return tokens
}
