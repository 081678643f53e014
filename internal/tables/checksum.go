package tables

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeChecksum computes the "sha256:<hex>" checksum recorded for persisted files.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum reports whether data matches a recorded checksum.
// An empty expectation matches nothing.
func VerifyChecksum(data []byte, expected string) bool {
	return expected != "" && ComputeChecksum(data) == expected
}
