package encryption

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// KeyDerivationIterations is the PBKDF2 iteration count used to derive
// an AES-256 key from an operator-supplied passphrase. The teacher
// project used golang.org/x/crypto/bcrypt the same way -- to turn a
// human-memorable secret into something safe to key a cipher with --
// just for login passwords rather than archive encryption.
const KeyDerivationIterations = 100000

// KeySize is the derived key length in bytes (AES-256).
const KeySize = 32

// DeriveKey derives a 32-byte AES-256 key from passphrase and salt via
// PBKDF2-HMAC-SHA256. The same (passphrase, salt) pair always yields the
// same key, so a task's encrypted archives can be decrypted again later
// without the key itself ever touching the catalog.
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), KeyDerivationIterations, KeySize, sha256.New)
}
