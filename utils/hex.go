package utils

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHash renders a 32-byte hash the way the REST and push surfaces show
// it: 0x-prefixed, 66 characters.
func EncodeHash(hash []byte) string {
	return "0x" + hex.EncodeToString(hash)
}

// DecodeHash parses a 0x-prefixed or bare hex hash into raw bytes.
func DecodeHash(str string) ([]byte, error) {
	trimmed := strings.TrimPrefix(str, "0x")
	buf, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex hash: %s", err)
	}
	if len(buf) != 32 {
		return nil, fmt.Errorf("invalid hash length: got %d bytes, want 32", len(buf))
	}
	return buf, nil
}

// IsValidHash reports whether str is a well-formed 32-byte hex hash.
func IsValidHash(str string) bool {
	_, err := DecodeHash(str)
	return err == nil
}
