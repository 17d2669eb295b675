package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/satriahrh/professor-bot/domain"
)

// New returns a domain.Hasher backed by SHA-256. An optional salt keeps
// fingerprints from being matched across deployments.
func New(salt string) domain.Hasher { return sha256Hasher{salt: []byte(salt)} }

type sha256Hasher struct {
	salt []byte
}

func (h sha256Hasher) Hash(data []byte) string {
	d := sha256.New()
	d.Write(h.salt)
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}
