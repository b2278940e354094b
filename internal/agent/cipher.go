package agent

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// Cipher reproduces `openssl enc -aes-128-cbc -a -A -nosalt -pass pass:<p>`,
// which is what guest agents run to decrypt secrets. Key and IV come from
// EVP_BytesToKey with one iteration of the configured digest.
type Cipher struct {
	digest func() hash.Hash
}

// Supported key-derivation digests. Agents built against OpenSSL < 1.1 use md5.
const (
	DigestMD5    = "md5"
	DigestSHA256 = "sha256"
)

// NewCipher returns a cipher using the named digest.
func NewCipher(digest string) (*Cipher, error) {
	switch strings.ToLower(strings.TrimSpace(digest)) {
	case "", DigestMD5:
		return &Cipher{digest: md5.New}, nil
	case DigestSHA256:
		return &Cipher{digest: sha256.New}, nil
	default:
		return nil, fmt.Errorf("unsupported agent cipher digest %q", digest)
	}
}

// DefaultCipher returns the md5-derived cipher.
func DefaultCipher() *Cipher {
	return &Cipher{digest: md5.New}
}

// Encrypt returns single-line base64 ciphertext.
func (c *Cipher) Encrypt(pass string, plaintext []byte) (string, error) {
	key, iv := c.deriveKey([]byte(pass))
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init aes: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return strings.TrimRight(base64.StdEncoding.EncodeToString(out), "\n"), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(pass, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a whole number of blocks")
	}
	key, iv := c.deriveKey([]byte(pass))
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	return pkcs7Unpad(out, aes.BlockSize)
}

// deriveKey is EVP_BytesToKey without salt: D_i = H(D_{i-1} || pass).
func (c *Cipher) deriveKey(pass []byte) (key, iv []byte) {
	const keyLen, ivLen = 16, aes.BlockSize
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := c.digest()
		h.Write(prev)
		h.Write(pass)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
