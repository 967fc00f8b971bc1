package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/ripemd160"
)

// DefaultAddressVersion is the two-byte transparent P2PKH prefix used by CMM.
var DefaultAddressVersion = []byte{0x1c, 0xb8}

var ErrBadChecksum = errors.New("address checksum mismatch")

func ParseVersion(s string) ([]byte, error) {
	if s == "" {
		return DefaultAddressVersion, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 || len(b) > 2 {
		return nil, fmt.Errorf("address version %q must be one or two hex-encoded bytes", s)
	}
	return b, nil
}

func Hash160(b []byte) []byte {
	hash := sha256.Sum256(b)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	return rip.Sum(nil)
}

// EncodeAddress produces base58check(version || hash160).
func EncodeAddress(version, hash160 []byte) string {
	payload := make([]byte, 0, len(version)+len(hash160)+4)
	payload = append(payload, version...)
	payload = append(payload, hash160...)
	sum := chainhash.DoubleHashB(payload)
	payload = append(payload, sum[:4]...)
	return base58.Encode(payload)
}

// DecodeAddress verifies the checksum and splits off a version prefix of versionLen bytes.
func DecodeAddress(addr string, versionLen int) (version, hash160 []byte, err error) {
	raw := base58.Decode(addr)
	if len(raw) != versionLen+20+4 {
		return nil, nil, fmt.Errorf("address %q has invalid length", addr)
	}
	body, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(chainhash.DoubleHashB(body)[:4], sum) {
		return nil, nil, ErrBadChecksum
	}
	return body[:versionLen], body[versionLen:], nil
}

// ValidateAddress checks that addr is a well-formed base58check address. A nil
// version accepts any one or two byte prefix.
func ValidateAddress(addr string, version []byte) error {
	if version != nil {
		v, _, err := DecodeAddress(addr, len(version))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, version) {
			return fmt.Errorf("address %q has unexpected version prefix", addr)
		}
		return nil
	}
	var lastErr error
	for _, n := range []int{1, 2} {
		if _, _, err := DecodeAddress(addr, n); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
