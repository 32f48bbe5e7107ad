package tunnel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKeypair creates a fresh ed25519 keypair for one agent, returning
// the private key as OpenSSH PEM and the public key as an authorized_keys
// line.
func GenerateKeypair(comment string) (privatePEM, authorizedKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", "", err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", err
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized = authorized + " " + comment
	}
	return string(pem.EncodeToMemory(block)), authorized, nil
}

// KeyStore materializes per-agent private keys under a fixed directory with
// permissions restricted to the controller's service account.
type KeyStore struct {
	dir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

// Path returns where the agent's private key lives on disk.
func (k *KeyStore) Path(agentID string) string {
	return filepath.Join(k.dir, agentID+".key")
}

// Materialize ensures the agent's private key is present on disk with the
// stored material, writing it only when missing or different.
func (k *KeyStore) Materialize(agentID, privatePEM string) (string, error) {
	if privatePEM == "" {
		return "", fmt.Errorf("agent %s has no ssh key material", agentID)
	}
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return "", err
	}

	path := k.Path(agentID)
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, []byte(privatePEM)) {
		return path, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	if err := os.WriteFile(path, []byte(privatePEM), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes the agent's on-disk key if present.
func (k *KeyStore) Remove(agentID string) error {
	err := os.Remove(k.Path(agentID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
