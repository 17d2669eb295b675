package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/satriahrh/professor-bot/domain"
)

func TestHasher(t *testing.T) {
	h := New("salt")

	assert.Len(t, h.Hash([]byte("r8_token")), 64)
	assert.Equal(t, h.Hash([]byte("r8_token")), h.Hash([]byte("r8_token")))
	assert.NotEqual(t, New("other").Hash([]byte("r8_token")), h.Hash([]byte("r8_token")))

	fp := domain.Fingerprint(h, "r8_token")
	assert.Len(t, fp, 12)
	assert.NotContains(t, fp, "r8_")
}
