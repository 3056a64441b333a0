// Package fingerprint computes the stable identity of a finding across scans.
//
// Two strategies exist and callers pick one explicitly: FromSnippet hashes
// the offending code, FromLines hashes the line range. Neither normalizes
// whitespace or case, so reformatting a line or shifting it by one produces
// a new fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// FromSnippet hashes ruleID:filePath:snippet:message.
func FromSnippet(ruleID, filePath, snippet, message string) string {
	return digest(ruleID, filePath, snippet, message)
}

// FromLines hashes ruleID:filePath:startLine:endLine:message.
func FromLines(ruleID, filePath string, startLine, endLine int, message string) string {
	return digest(ruleID, filePath, strconv.Itoa(startLine), strconv.Itoa(endLine), message)
}

func digest(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, ":")))
	return hex.EncodeToString(sum[:])
}
