// Package helpers provides small utility functions shared across the
// coordinator's packages (hex/byte encoding, satoshi formatting).
package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a lowercase hex string without a 0x prefix,
// matching the textual form used for Lightning payment hashes/preimages.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
