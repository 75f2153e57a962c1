package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodePayload serializes a structured payload to its binary wire form.
// Values must be JSON-like (nil, bool, numbers, strings, slices, maps).
func EncodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a payload produced by EncodePayload.
func DecodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return s.AsMap(), nil
}

// Fingerprint returns the SHA-256 hex digest of the RFC 8785 canonical JSON
// form of v. Equal values produce equal fingerprints regardless of map
// ordering, so a resubmitted command can be checked against the original.
func Fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
