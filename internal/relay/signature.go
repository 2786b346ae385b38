package relay

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// HashMessage produces the 32-byte digest that request signatures cover.
func HashMessage(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// verifySignature recovers the signer from a 65-byte compact signature over
// digest and compares it against the expected compressed public key (hex).
// Any malformed or mismatched input is simply a failed verification.
func verifySignature(pubKeyHex string, digest, sig []byte) bool {
	if len(sig) != 65 || len(digest) != sha256.Size {
		return false
	}
	pubKey, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return false
	}
	return hex.EncodeToString(pubKey.SerializeCompressed()) == pubKeyHex
}
