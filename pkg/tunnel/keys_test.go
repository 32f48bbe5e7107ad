package tunnel

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateKeypair(t *testing.T) {
	privatePEM, authorized, err := GenerateKeypair("opnfleet-agent-1")
	require.NoError(t, err)

	signer, err := ssh.ParsePrivateKey([]byte(privatePEM))
	require.NoError(t, err)
	require.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())
	require.True(t, strings.HasSuffix(authorized, " opnfleet-agent-1"))
}

func TestKeyStoreMaterialize(t *testing.T) {
	ks := NewKeyStore(t.TempDir())

	_, err := ks.Materialize("agent-1", "")
	require.Error(t, err)

	path, err := ks.Materialize("agent-1", "key material v1\n")
	require.NoError(t, err)
	require.Equal(t, ks.Path("agent-1"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Rewrites only on changed material.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "key material v1\n", string(data))

	_, err = ks.Materialize("agent-1", "key material v2\n")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "key material v2\n", string(data))

	require.NoError(t, ks.Remove("agent-1"))
	require.NoError(t, ks.Remove("agent-1"))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
