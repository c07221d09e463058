// Package token issues and verifies HMAC-SHA256 signed execution tokens.
// A token is an internal, single-purpose capability binding a proposal to a
// tool and an argument hash for a short window. Wire form:
// base64url(canonical_payload_json) "." base64url(signature).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Verification reasons owned by the codec. Each failed check reports its
// own reason; structural deviations of any kind are bad_signature.
const (
	ReasonOK               = "ok"
	ReasonBadSignature     = "bad_signature"
	ReasonExpired          = "expired"
	ReasonToolMismatch     = "tool_mismatch"
	ReasonArgsHashMismatch = "args_hash_mismatch"
)

// MinSecretLen is the minimum signing secret size in bytes.
const MinSecretLen = 32

// ErrSecretTooShort rejects weak signing secrets at construction.
var ErrSecretTooShort = errors.New("signing secret must be at least 32 bytes")

// Payload is the signed token body. Timestamps are unix milliseconds so
// sub-second TTLs round-trip.
type Payload struct {
	TokenID        string  `json:"token_id"`
	ProposalID     string  `json:"proposal_id"`
	ToolName       string  `json:"tool_name"`
	ToolArgsHash   string  `json:"tool_args_hash"`
	IssuedAt       int64   `json:"issued_at"`
	ExpiresAt      int64   `json:"expires_at"`
	Nonce          string  `json:"nonce"`
	CompositeScore float64 `json:"composite_score"`
}

// ExpiresAtTime converts the payload expiry to a time.Time.
func (p Payload) ExpiresAtTime() time.Time {
	return time.UnixMilli(p.ExpiresAt).UTC()
}

// Issued is the result of issuing a token: the wire blob plus its payload.
// Only TokenID and Nonce may ever be persisted; the blob is owned by the
// caller.
type Issued struct {
	Blob    string
	Payload Payload
}

// VerifyResult reports one verification pass.
type VerifyResult struct {
	OK      bool
	Reason  string
	Payload *Payload
}

// Codec signs and verifies execution tokens. The secret is process
// configuration, read-only after construction, and never persisted.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec builds a codec with the given signing secret and default TTL.
func NewCodec(secret []byte, defaultTTL time.Duration) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	if defaultTTL <= 0 {
		defaultTTL = 120 * time.Second
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		ttl:    defaultTTL,
		now:    time.Now,
	}
	return c, nil
}

// Issue mints a token bound to (proposal, tool, args hash, composite).
// A non-positive ttl uses the codec default.
func (c *Codec) Issue(proposalID, toolName, argsHash string, compositeScore float64, ttl time.Duration) (*Issued, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	issuedAt := c.now().UTC()
	payload := Payload{
		TokenID:        uuid.NewString(),
		ProposalID:     proposalID,
		ToolName:       toolName,
		ToolArgsHash:   argsHash,
		IssuedAt:       issuedAt.UnixMilli(),
		ExpiresAt:      issuedAt.Add(ttl).UnixMilli(),
		Nonce:          uuid.NewString(),
		CompositeScore: compositeScore,
	}

	raw, err := canonicalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("Issue: %w", err)
	}
	sig := c.sign(raw)

	blob := base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(sig)
	return &Issued{Blob: blob, Payload: payload}, nil
}

// Verify parses a token blob and checks, in order: signature (constant
// time), expiry, tool binding, args binding. It does NOT consume the nonce;
// that is the verifier's atomic step.
func (c *Codec) Verify(blob, expectedTool, expectedArgsHash string) VerifyResult {
	payloadB64, sigB64, ok := strings.Cut(blob, ".")
	if !ok || strings.Contains(sigB64, ".") {
		return VerifyResult{Reason: ReasonBadSignature}
	}

	// Strict decoding rejects non-zero trailing padding bits, so every
	// single-bit mutation of the blob fails verification.
	raw, err := base64.RawURLEncoding.Strict().DecodeString(payloadB64)
	if err != nil {
		return VerifyResult{Reason: ReasonBadSignature}
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(sigB64)
	if err != nil {
		return VerifyResult{Reason: ReasonBadSignature}
	}

	if !hmac.Equal(c.sign(raw), sig) {
		return VerifyResult{Reason: ReasonBadSignature}
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return VerifyResult{Reason: ReasonBadSignature}
	}

	if payload.ExpiresAt <= c.now().UnixMilli() {
		return VerifyResult{Reason: ReasonExpired, Payload: &payload}
	}
	if payload.ToolName != expectedTool {
		return VerifyResult{Reason: ReasonToolMismatch, Payload: &payload}
	}
	if payload.ToolArgsHash != expectedArgsHash {
		return VerifyResult{Reason: ReasonArgsHashMismatch, Payload: &payload}
	}

	return VerifyResult{OK: true, Reason: ReasonOK, Payload: &payload}
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func canonicalPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
