// Package hashing provides deterministic canonical hashing for tool
// arguments and prompts. Canonical JSON follows RFC 8785 (JCS): keys sorted
// lexicographically at every level, no insignificant whitespace, no HTML
// escaping. Hashes are SHA-256 hex and stable across processes and
// platforms.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"
)

var (
	uuidRE      = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	timestampRE = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[Tt ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?\b`)
	numberRE    = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)
	wsRE        = regexp.MustCompile(`\s+`)
)

// SHA256Hex returns the SHA-256 hex digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serializes v as RFC 8785 canonical JSON.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("CanonicalJSON: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("CanonicalJSON: transform: %w", err)
	}
	return out, nil
}

// CanonicalizeJSON canonicalizes an already-serialized JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("CanonicalizeJSON: %w", err)
	}
	return out, nil
}

// CanonicalArgsHash returns the SHA-256 hex digest of the canonical JSON
// form of args. Invariant to key ordering in the input, recursively.
func CanonicalArgsHash(args map[string]any) (string, error) {
	b, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	return SHA256Hex(string(b)), nil
}

// ArgsJSONHash canonicalizes a serialized args document and hashes it.
// Equivalent to CanonicalArgsHash for the same logical value.
func ArgsJSONHash(raw []byte) (string, error) {
	b, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return SHA256Hex(string(b)), nil
}

// PromptHash returns the SHA-256 hex digest of the exact prompt text.
func PromptHash(prompt string) string {
	return SHA256Hex(prompt)
}

// NormalizePrompt rewrites volatile literals before hashing: UUIDs,
// ISO-8601 timestamps and numbers become placeholders, whitespace runs
// collapse to single spaces, and the result is lowercased. Two prompts from
// the same template normalize to the same string.
func NormalizePrompt(prompt string) string {
	s := uuidRE.ReplaceAllString(prompt, "<uuid>")
	s = timestampRE.ReplaceAllString(s, "<timestamp>")
	s = numberRE.ReplaceAllString(s, "<number>")
	s = wsRE.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizedPromptHash returns the SHA-256 hex digest of the normalized
// prompt. This is the hash compared against stored per-tool baselines.
func NormalizedPromptHash(prompt string) string {
	return SHA256Hex(NormalizePrompt(prompt))
}
