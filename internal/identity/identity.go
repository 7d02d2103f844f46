package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is a device key pair. The broker only ever sees the public key
// as an opaque string.
type Identity struct {
	priv crypto.PrivKey
}

// Generate creates a fresh Ed25519 key pair
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// Load reads a key written by Save
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	raw, err := crypto.ConfigDecodeKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// LoadOrGenerate loads the key at path, creating and saving one if missing
func LoadOrGenerate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Save writes the private key readable only by the owner
func (i *Identity) Save(path string) error {
	raw, err := crypto.MarshalPrivateKey(i.priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, []byte(crypto.ConfigEncodeKey(raw)), 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	return nil
}

// PublicKey returns the public key in its advertised string form
func (i *Identity) PublicKey() (string, error) {
	raw, err := crypto.MarshalPublicKey(i.priv.GetPublic())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return crypto.ConfigEncodeKey(raw), nil
}

// PeerID derives a stable identifier from the public key
func (i *Identity) PeerID() (peer.ID, error) {
	id, err := peer.IDFromPublicKey(i.priv.GetPublic())
	if err != nil {
		return "", fmt.Errorf("failed to derive peer id: %w", err)
	}
	return id, nil
}
