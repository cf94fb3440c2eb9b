// Package idempotency computes the stable hash key used to collapse
// duplicate issue-client submissions from the same caller.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// IssueKey returns sha256(trim(telegramID) + "|" + trim(inboundTag)),
// hex-encoded. This matches the prior implementation's
// _make_issue_idempotency_hash exactly, so dedupe behavior is unchanged by
// the rewrite.
func IssueKey(telegramID, inboundTag string) string {
	raw := strings.TrimSpace(telegramID) + "|" + strings.TrimSpace(inboundTag)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
