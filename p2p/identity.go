package p2p

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/natefinch/atomic"
)

// IdentityFile is the name of the file with the node's private key.
const IdentityFile = "identity.key"

type identityInfo struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

func identityPath(dir string) string {
	return filepath.Join(dir, IdentityFile)
}

// EnsureIdentity reads the node identity from the data directory, generating
// and persisting a new ed25519 key if there is none yet.
func EnsureIdentity(dir string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create p2p dir %s: %w", dir, err)
	}
	key, err := loadIdentity(dir)
	switch {
	case err == nil:
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	key, _, err = crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := storeIdentity(dir, key); err != nil {
		return nil, err
	}
	return key, nil
}

func loadIdentity(dir string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(identityPath(dir))
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var info identityInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	raw, err := hex.DecodeString(info.Key)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	key, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal identity key: %w", err)
	}
	return key, nil
}

func storeIdentity(dir string, key crypto.PrivKey) error {
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal identity key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}
	data, err := json.Marshal(identityInfo{Key: hex.EncodeToString(raw), ID: id.String()})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := atomic.WriteFile(identityPath(dir), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
