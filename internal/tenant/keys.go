package tenant

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/wolfeidau/tenantgate/internal/models"
)

// SupportCodeLength is the length of generated support codes.
const SupportCodeLength = 10

var idempotencyNamespace = uuid.MustParse("3b0f8f5e-54c4-4d7e-9d0b-6a1f2f1f8a2c")

// IdempotencyKey derives a stable key for writes on behalf of identity, so a
// retried create is recognised as the same request.
func IdempotencyKey(identity models.Identity) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(identity.Key())).String()
}

// NewSupportCode returns a short base58 code a user can quote to support.
func NewSupportCode() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base58.Encode(buf)[:SupportCodeLength]
}
