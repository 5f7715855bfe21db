package audit

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	SigAlgEd25519 = "ed25519"
	SigAlgHMAC    = "hmac-sha256"
)

// Signer signs canonical event bodies in one of two configuration-selected
// modes: ed25519 with a service key pair, or HMAC-SHA256 with a shared
// secret as the fallback.
type Signer struct {
	alg    string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	secret []byte
}

// NewSigner builds a signer for the given mode. ed25519 expects the
// hex-encoded 32-byte private key seed; hmac-sha256 expects a non-empty
// shared secret.
func NewSigner(mode, ed25519SeedHex, hmacSecret string) (*Signer, error) {
	switch mode {
	case SigAlgEd25519:
		seed, err := hex.DecodeString(ed25519SeedHex)
		if err != nil {
			return nil, fmt.Errorf("decode ed25519 seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Signer{
			alg:  SigAlgEd25519,
			priv: priv,
			pub:  priv.Public().(ed25519.PublicKey),
		}, nil
	case SigAlgHMAC:
		if hmacSecret == "" {
			return nil, fmt.Errorf("hmac-sha256 signing requires a secret")
		}
		return &Signer{alg: SigAlgHMAC, secret: []byte(hmacSecret)}, nil
	default:
		return nil, fmt.Errorf("unknown signing mode %q", mode)
	}
}

func (s *Signer) Alg() string { return s.alg }

func (s *Signer) Sign(body []byte) string {
	if s.alg == SigAlgEd25519 {
		return hex.EncodeToString(ed25519.Sign(s.priv, body))
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. The alg recorded on the event
// must match the signer's configured mode.
func (s *Signer) Verify(body []byte, sigHex, alg string) bool {
	if alg != s.alg {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	if s.alg == SigAlgEd25519 {
		return ed25519.Verify(s.pub, body, sig)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}
