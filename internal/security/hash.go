package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashUser derives the stable, salted identifier under which all of a user's
// data is stored. The raw account id never appears in the document store, the
// caches, or the logs.
func HashUser(userID, salt string) string {
	h := sha256.Sum256([]byte(salt + ":" + userID))
	return hex.EncodeToString(h[:])
}

// Hash8 returns the 8-character prefix of a user hash, used as the namespace
// component of chat ids (hash8 + "_" + client uuid).
func Hash8(userHash string) string {
	if len(userHash) < 8 {
		return userHash
	}
	return userHash[:8]
}

// Equal compares two hex-encoded hashes in constant time.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
