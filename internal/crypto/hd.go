package crypto

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/openindex/oipd/internal/oip"
)

// HD derivation layout:
//
//	identity key   m/176800'/0'/0'/0/0
//	signing xprv   m/176800'/0'/<account>'
//	record signing deriveChild(KeyIndex) of the signing key
const purpose = 176800

// Wallet holds the node's HD key material, derived once from a BIP39
// mnemonic at startup.
type Wallet struct {
	master   *hdkeychain.ExtendedKey
	identity *btcec.PrivateKey
}

// NewWallet derives a wallet from a BIP39 mnemonic. An invalid mnemonic
// is a fatal misconfiguration.
func NewWallet(mnemonic string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, oip.E(oip.KindFatal, "crypto.NewWallet", "invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, oip.E(oip.KindFatal, "crypto.NewWallet", err)
	}
	w := &Wallet{master: master}
	identity, err := w.derivePath(
		purpose+hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		0, 0,
	)
	if err != nil {
		return nil, oip.E(oip.KindFatal, "crypto.NewWallet", err)
	}
	w.identity, err = identity.ECPrivKey()
	if err != nil {
		return nil, oip.E(oip.KindFatal, "crypto.NewWallet", err)
	}
	return w, nil
}

func (w *Wallet) derivePath(path ...uint32) (*hdkeychain.ExtendedKey, error) {
	key := w.master
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// IdentityKey returns the node's identity signing key (m/176800'/0'/0'/0/0).
func (w *Wallet) IdentityKey() *btcec.PrivateKey { return w.identity }

// IdentityPub returns the identity public key.
func (w *Wallet) IdentityPub() *btcec.PublicKey { return w.identity.PubKey() }

// DID returns the creator DID of the node's identity key.
func (w *Wallet) DID() string { return CreatorDID(w.identity.PubKey()) }

// SigningKey returns the extended signing key for an account
// (m/176800'/0'/<account>').
func (w *Wallet) SigningKey(account uint32) (*hdkeychain.ExtendedKey, error) {
	return w.derivePath(
		purpose+hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		account+hdkeychain.HardenedKeyStart,
	)
}

// SigningXPub returns the neutered (public-only) signing key for an
// account; this is what a creator's DID document publishes.
func (w *Wallet) SigningXPub(account uint32) (string, error) {
	key, err := w.SigningKey(account)
	if err != nil {
		return "", err
	}
	pub, err := key.Neuter()
	if err != nil {
		return "", err
	}
	return pub.String(), nil
}

// RecordSigningKey derives the per-record child of the account signing
// key at keyIndex (non-hardened, so the public side is derivable from
// the published xpub alone).
func (w *Wallet) RecordSigningKey(account, keyIndex uint32) (*btcec.PrivateKey, error) {
	key, err := w.SigningKey(account)
	if err != nil {
		return nil, err
	}
	child, err := key.Derive(keyIndex)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// ChildPubFromXPub derives the public key at keyIndex from a published
// signing xpub. Used by the v0.9 verifier, which never sees private keys.
func ChildPubFromXPub(xpub string, keyIndex uint32) (*btcec.PublicKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, oip.E(oip.KindInvalidSignature, "crypto.ChildPubFromXPub", err)
	}
	child, err := key.Derive(keyIndex)
	if err != nil {
		return nil, oip.E(oip.KindInvalidSignature, "crypto.ChildPubFromXPub", err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, oip.E(oip.KindInvalidSignature, "crypto.ChildPubFromXPub", err)
	}
	return pub, nil
}
