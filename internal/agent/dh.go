package agent

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Key exchange parameters shared with deployed guest agents. The 110-bit
// prime is weak; it is kept because guests only accept these exact values.
var (
	dhPrime, _ = new(big.Int).SetString("162259276829213363391578010288127", 10)
	dhBase     = big.NewInt(5)
)

// privateKeyBytes is the size of the random private exponent.
const privateKeyBytes = 10

// SimpleDH is one side of a Diffie-Hellman-Merkle exchange with a guest agent.
// A SimpleDH is created per password set and discarded afterwards. The shared
// secret is only used as cipher key material and never leaves this value.
type SimpleDH struct {
	prime   *big.Int
	base    *big.Int
	private *big.Int
	public  *big.Int
	shared  *big.Int
	cipher  *Cipher
}

// NewSimpleDH generates a fresh private exponent.
func NewSimpleDH(cipher *Cipher) (*SimpleDH, error) {
	buf := make([]byte, privateKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate dh private exponent: %w", err)
	}
	return newSimpleDH(new(big.Int).SetBytes(buf), cipher), nil
}

func newSimpleDH(private *big.Int, cipher *Cipher) *SimpleDH {
	if cipher == nil {
		cipher = DefaultCipher()
	}
	return &SimpleDH{
		prime:   dhPrime,
		base:    dhBase,
		private: private,
		cipher:  cipher,
	}
}

// Public returns base^private mod prime.
func (d *SimpleDH) Public() *big.Int {
	if d.public == nil {
		d.public = ModExp(d.base, d.private, d.prime)
	}
	return d.public
}

// ComputeShared derives the shared secret from the peer's public value.
func (d *SimpleDH) ComputeShared(peer *big.Int) {
	d.shared = ModExp(peer, d.private, d.prime)
}

// Encrypt encrypts text with the shared secret as passphrase.
func (d *SimpleDH) Encrypt(text string) (string, error) {
	if d.shared == nil {
		return "", fmt.Errorf("dh shared secret not computed")
	}
	return d.cipher.Encrypt(d.shared.String(), []byte(text))
}

// Decrypt reverses Encrypt.
func (d *SimpleDH) Decrypt(text string) (string, error) {
	if d.shared == nil {
		return "", fmt.Errorf("dh shared secret not computed")
	}
	out, err := d.cipher.Decrypt(d.shared.String(), text)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// String redacts the key material.
func (d *SimpleDH) String() string {
	return fmt.Sprintf("SimpleDH{prime: %s, base: %s, private: <redacted>, shared: <redacted>}", d.prime, d.base)
}

// ModExp computes num^exp mod m by binary square-and-multiply.
func ModExp(num, exp, m *big.Int) *big.Int {
	result := big.NewInt(1)
	n := new(big.Int).Mod(num, m)
	e := new(big.Int).Set(exp)
	for e.Sign() > 0 {
		if e.Bit(0) == 1 {
			result.Mul(result, n).Mod(result, m)
		}
		e.Rsh(e, 1)
		n.Mul(n, n).Mod(n, m)
	}
	return result
}
