package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pqchat/crypto"
)

const (
	kemPublicSuffix  = ".kem.pem"
	signPublicSuffix = ".sign.pem"
	dsaPublicSuffix  = ".dsa.pem"
)

// PeerKeys are the public keys of one peer.
type PeerKeys struct {
	KEMPublicKey []byte
	// SigningKey verifies both envelope signatures of the peer.
	SigningKey crypto.VerifyingKeys
}

// KeyDirectory resolves peer IDs to their public keys.
type KeyDirectory interface {
	PeerKeys(peerID string) (PeerKeys, error)
}

// Directory is an in-memory KeyDirectory.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]PeerKeys
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]PeerKeys)}
}

// Add registers or replaces a peer's keys.
func (d *Directory) Add(peerID string, keys PeerKeys) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peerID] = keys
}

// PeerKeys implements KeyDirectory.
func (d *Directory) PeerKeys(peerID string) (PeerKeys, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys, ok := d.peers[peerID]
	if !ok {
		return PeerKeys{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return keys, nil
}

// Peers returns the number of registered peers.
func (d *Directory) Peers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// LoadDirectory reads peer keys from dir, where each peer has
// <id>.kem.pem, <id>.sign.pem and <id>.dsa.pem files. A missing dir yields
// an empty directory; a peer missing any of its files is an error.
func LoadDirectory(dir string) (*Directory, error) {
	d := NewDirectory()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read peer directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, kemPublicSuffix) {
			continue
		}
		peerID := strings.TrimSuffix(name, kemPublicSuffix)

		kemKey, err := crypto.LoadKEMPublicKey(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("load peer %q: %w", peerID, err)
		}
		signKey, err := crypto.LoadEd25519PublicKey(filepath.Join(dir, peerID+signPublicSuffix))
		if err != nil {
			return nil, fmt.Errorf("load peer %q: %w", peerID, err)
		}
		dsaKey, err := crypto.LoadMLDSAPublicKey(filepath.Join(dir, peerID+dsaPublicSuffix))
		if err != nil {
			return nil, fmt.Errorf("load peer %q: %w", peerID, err)
		}
		d.Add(peerID, PeerKeys{
			KEMPublicKey: kemKey,
			SigningKey:   crypto.VerifyingKeys{Ed25519: signKey, MLDSA: dsaKey},
		})
	}
	return d, nil
}

// PeerKeyPaths returns the file names LoadDirectory expects for peerID.
func PeerKeyPaths(dir, peerID string) (kemPath, signPath, dsaPath string) {
	base := filepath.Join(dir, peerID)
	return base + kemPublicSuffix, base + signPublicSuffix, base + dsaPublicSuffix
}
