package encryption

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

const (
	SaltSize = 16
	// keySize selects AES-256-XTS (two 256-bit keys).
	keySize          = 64
	pbkdf2Iterations = 100_000
)

// PageCipher encrypts whole page slots. It uses AES-XTS with the slot
// position as the tweak, so ciphertext has the same length as the page and
// identical pages stored at different positions encrypt differently.
type PageCipher struct {
	c *xts.Cipher
}

// NewSalt returns a fresh random salt for the file header.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a password with the file salt.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keySize, sha256.New)
}

// NewPageCipher creates a PageCipher from a key produced by DeriveKey.
func NewPageCipher(key []byte) (*PageCipher, error) {
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XTS cipher: %w", err)
	}
	return &PageCipher{c: c}, nil
}

// EncryptPage writes the ciphertext of src into dst. Both must be a multiple
// of the AES block size and may not overlap partially.
func (pc *PageCipher) EncryptPage(position uint32, dst, src []byte) {
	pc.c.Encrypt(dst, src, uint64(position))
}

// DecryptPage reverses EncryptPage.
func (pc *PageCipher) DecryptPage(position uint32, dst, src []byte) {
	pc.c.Decrypt(dst, src, uint64(position))
}

// Checksum binds a password to a file without storing the key: it is kept in
// the file header and compared on open.
func Checksum(key []byte) [8]byte {
	sum := sha256.Sum256(key)
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
