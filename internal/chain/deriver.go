package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type KeyKind int

const (
	KeyUnknown KeyKind = iota
	// KeyLegacy is an uncompressed secp256k1 point (x||y) in 128 hex characters.
	KeyLegacy
	// KeyXPub is a BIP32 extended public key.
	KeyXPub
)

var (
	legacyKeyRe = regexp.MustCompile(`^[a-f0-9]{128}$`)
	xpubKeyRe   = regexp.MustCompile(`^xpub[a-zA-Z0-9]{107}$`)

	ErrMasterKeyMissing = errors.New("master public key is not configured")
	ErrMasterKeyFormat  = errors.New("master public key is invalid: must be 128 hex characters or a 111 character xpub")
)

func ClassifyMasterKey(mpk string) (KeyKind, error) {
	switch {
	case mpk == "":
		return KeyUnknown, ErrMasterKeyMissing
	case legacyKeyRe.MatchString(mpk):
		return KeyLegacy, nil
	case xpubKeyRe.MatchString(mpk):
		return KeyXPub, nil
	default:
		return KeyUnknown, ErrMasterKeyFormat
	}
}

// Deriver turns a master public key and an index into a receiving address.
// xpub keys derive the external chain m/0/i; legacy keys add
// sha256d("i:0:" || mpk) * G to the master point.
type Deriver struct {
	kind    KeyKind
	version []byte
	xpub    *hdkeychain.ExtendedKey
	legacy  *btcec.PublicKey
	raw     []byte
}

func NewDeriver(mpk string, version []byte) (*Deriver, error) {
	kind, err := ClassifyMasterKey(mpk)
	if err != nil {
		return nil, err
	}
	if len(version) == 0 {
		version = DefaultAddressVersion
	}
	d := &Deriver{kind: kind, version: version}

	switch kind {
	case KeyXPub:
		key, err := hdkeychain.NewKeyFromString(mpk)
		if err != nil {
			return nil, fmt.Errorf("parse xpub: %w", err)
		}
		if key.IsPrivate() {
			return nil, errors.New("master key must be public, got a private extended key")
		}
		external, err := key.Derive(0)
		if err != nil {
			return nil, fmt.Errorf("derive external chain: %w", err)
		}
		d.xpub = external
	case KeyLegacy:
		raw, err := hex.DecodeString(mpk)
		if err != nil {
			return nil, err
		}
		pub, err := btcec.ParsePubKey(append([]byte{0x04}, raw...))
		if err != nil {
			return nil, fmt.Errorf("master public key is not a curve point: %w", err)
		}
		d.legacy = pub
		d.raw = raw
	}
	return d, nil
}

func (d *Deriver) Kind() KeyKind {
	return d.kind
}

func (d *Deriver) Derive(index uint32) (string, error) {
	switch d.kind {
	case KeyXPub:
		child, err := d.xpub.Derive(index)
		if err != nil {
			return "", err
		}
		pubKey, err := child.ECPubKey()
		if err != nil {
			return "", err
		}
		return EncodeAddress(d.version, Hash160(pubKey.SerializeCompressed())), nil
	case KeyLegacy:
		pub := d.legacyChild(index)
		return EncodeAddress(d.version, Hash160(pub.SerializeUncompressed())), nil
	}
	return "", ErrMasterKeyFormat
}

func (d *Deriver) legacyChild(index uint32) *btcec.PublicKey {
	seq := chainhash.DoubleHashB(append([]byte(strconv.FormatUint(uint64(index), 10)+":0:"), d.raw...))

	var k btcec.ModNScalar
	k.SetByteSlice(seq)

	var tweak, master, sum btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&k, &tweak)
	d.legacy.AsJacobian(&master)
	btcec.AddNonConst(&master, &tweak, &sum)
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y)
}
