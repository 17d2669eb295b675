package domain

// Hasher fingerprints secrets such as API tokens so they can be logged and
// compared without being kept in clear text.
type Hasher interface {
	Hash(data []byte) string
}

// Fingerprint returns a short, log-safe prefix of the hash of secret.
func Fingerprint(h Hasher, secret string) string {
	sum := h.Hash([]byte(secret))
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
