package idempotency_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/muco1999/xray-agent/internal/idempotency"
)

func TestIssueKeyIsDeterministic(t *testing.T) {
	a := idempotency.IssueKey("123456", "vless-in")
	b := idempotency.IssueKey("123456", "vless-in")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded sha256
}

func TestIssueKeyTrimsWhitespace(t *testing.T) {
	a := idempotency.IssueKey("123456", "vless-in")
	b := idempotency.IssueKey("  123456  ", "  vless-in  ")
	assert.Equal(t, a, b)
}

func TestIssueKeyDiffersByInput(t *testing.T) {
	a := idempotency.IssueKey("123456", "vless-in")
	b := idempotency.IssueKey("123457", "vless-in")
	assert.NotEqual(t, a, b)
}

func TestIssueKeyMatchesExpectedHash(t *testing.T) {
	sum := sha256.Sum256([]byte("42|vless-in"))
	want := hex.EncodeToString(sum[:])
	assert.Equal(t, want, idempotency.IssueKey("42", "vless-in"))
}
