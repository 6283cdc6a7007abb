package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
)

// configHash fingerprints a materialized task config for the Dispatcher's
// dedupe check (spec.md §4.C step 6): a successful task is only skipped if
// its stored hash still matches. No example repo in the corpus carries a
// dedicated hashing library (xxhash, blake3); crypto/sha256 is the
// standard choice for a non-adversarial content fingerprint.
func configHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
