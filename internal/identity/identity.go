// Package identity models long-term keypairs and the registry of local
// identities clients connect to. The destination identity a client
// connects as is the authentication fact: there is no separate
// payload-level credential.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// PubKey is a raw 256-bit Ed25519 public key.
type PubKey [32]byte

// ShortID is the short identifier derived from a PubKey, used wherever the
// protocol names an identity without carrying the full key.
type ShortID [32]byte

// String renders a ShortID as lowercase hex, for logging.
func (s ShortID) String() string {
	return hex.EncodeToString(s[:])
}

// String renders a PubKey as lowercase hex.
func (p PubKey) String() string {
	return hex.EncodeToString(p[:])
}

// DeriveShortID computes the short id for a public key: the SHA-256
// digest of its raw bytes.
func DeriveShortID(pub PubKey) ShortID {
	return ShortID(sha256.Sum256(pub[:]))
}

// KeyPair is a long-term Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// PubKeyFromBytes copies a 32-byte Ed25519 public key into a PubKey.
func PubKeyFromBytes(b []byte) (PubKey, bool) {
	var pk PubKey
	if len(b) != len(pk) {
		return pk, false
	}
	copy(pk[:], b)
	return pk, true
}

// Registrar tracks which public keys are registered as local identities a
// client may connect to, and which of those identities carry admin
// privilege. Registration is idempotent: re-registering an already known
// key is a no-op that returns its stored short id.
type Registrar struct {
	mu       sync.RWMutex
	identity map[PubKey]ShortID
	admin    map[PubKey]bool
}

// NewRegistrar creates an empty Registrar.
func NewRegistrar() *Registrar {
	return &Registrar{
		identity: make(map[PubKey]ShortID),
		admin:    make(map[PubKey]bool),
	}
}

// Register adds pub as a known local identity, returning its short id.
// Safe to call repeatedly for the same key.
func (r *Registrar) Register(pub PubKey) ShortID {
	r.mu.RLock()
	if id, ok := r.identity[pub]; ok {
		r.mu.RUnlock()
		return id
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.identity[pub]; ok {
		return id
	}
	id := DeriveShortID(pub)
	r.identity[pub] = id
	return id
}

// IsRegistered reports whether pub is a known local identity.
func (r *Registrar) IsRegistered(pub PubKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.identity[pub]
	return ok
}

// ShortIDFor returns the short id for a registered key.
func (r *Registrar) ShortIDFor(pub PubKey) (ShortID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identity[pub]
	return id, ok
}

// MarkAdmin designates pub as an admin-gated identity: connections to it
// carry admin authority regardless of whether it is also a rate-limited
// user identity.
func (r *Registrar) MarkAdmin(pub PubKey) {
	r.Register(pub)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin[pub] = true
}

// IsAdmin reports whether pub is an admin-designated local identity.
func (r *Registrar) IsAdmin(pub PubKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin[pub]
}

// Forget removes pub from the registrar entirely. Nothing in this module
// calls it: Rehydrate skips expired records but leaves an identity that is
// already registered in place.
func (r *Registrar) Forget(pub PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identity, pub)
	delete(r.admin, pub)
}
