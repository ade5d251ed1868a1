// Package node holds the local node identity: a persistent Ed25519 keypair
// and the ring identifier derived from its public key.
package node

import (
	"errors"
	"os"

	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// Identity is the verifiable local identity. The ring id is bound to the
// public key by derivation, so peers can check it during the handshake.
type Identity struct {
	ID      ring.NodeID
	PubKey  []byte
	PrivKey []byte
}

// DeriveNodeID maps a public key into the identifier space.
func DeriveNodeID(pub []byte) ring.NodeID {
	buf := make([]byte, 0, len("kore:nodeid:v1")+len(pub))
	buf = append(buf, []byte("kore:nodeid:v1")...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	var id ring.NodeID
	copy(id[:], sum)
	return id
}

// LoadOrCreate loads the keypair stored under home, generating and saving a
// fresh one on first run. A present but unparseable keypair is a startup
// failure, not something to silently regenerate over.
func LoadOrCreate(home string) (*Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	if len(pub) == 0 || len(priv) == 0 {
		return nil, errors.New("invalid identity keypair")
	}
	return &Identity{ID: DeriveNodeID(pub), PubKey: pub, PrivKey: priv}, nil
}

// SignDigest signs a 32-byte digest with the identity key.
func (n *Identity) SignDigest(digest []byte) ([]byte, error) {
	return crypto.SignDigest(n.PrivKey, digest)
}
