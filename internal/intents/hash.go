package intents

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// payloadHashDomain separates payload hashes from any other SHA-256 use of
// the same bytes.
const payloadHashDomain = "intentgate/payload/v1"

// CanonicalJSON returns the RFC 8785 canonical encoding of args.
func CanonicalJSON(args map[string]any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize arguments: %w", err)
	}
	return canonical, nil
}

// PayloadHash returns the hex SHA-256 digest of the canonical arguments.
// Logically equal argument maps hash identically regardless of key order.
func PayloadHash(args map[string]any) (string, error) {
	canonical, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	return hashWithDomain(payloadHashDomain, canonical), nil
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// encodeArguments produces the stored form of the arguments.
func encodeArguments(args map[string]any) ([]byte, error) {
	return CanonicalJSON(args)
}

// decodeArguments reads stored arguments back. Numbers stay json.Number so
// large integers survive the round trip unchanged.
func decodeArguments(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// normalizeArguments gives every backend the same in-memory representation
// of the arguments: the decoded canonical JSON.
func normalizeArguments(args map[string]any) (map[string]any, []byte, error) {
	canonical, err := CanonicalJSON(args)
	if err != nil {
		return nil, nil, err
	}
	normalized, err := decodeArguments(canonical)
	if err != nil {
		return nil, nil, err
	}
	return normalized, canonical, nil
}
