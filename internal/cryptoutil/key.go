package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keyLen = 32

// ParseKey decodes a 32-byte key given in base64 or hex, with an optional
// "base64:" or "hex:" prefix. Unprefixed input is ambiguous: a 64-char hex
// string is also valid base64, so both decodings are tried and the one
// yielding a 32-byte key wins.
func ParseKey(key string) ([]byte, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, errors.New("encryption key is empty")
	}

	if rest, ok := strings.CutPrefix(trimmed, "base64:"); ok {
		return checkLen(base64.StdEncoding.DecodeString(rest))
	}
	if rest, ok := strings.CutPrefix(trimmed, "hex:"); ok {
		return checkLen(hex.DecodeString(rest))
	}

	if data, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(data) == keyLen {
		return data, nil
	}
	if data, err := hex.DecodeString(trimmed); err == nil && len(data) == keyLen {
		return data, nil
	}
	return nil, fmt.Errorf("key is neither base64 nor hex for a %d-byte key", keyLen)
}

func checkLen(data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != keyLen {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), keyLen)
	}
	return data, nil
}
