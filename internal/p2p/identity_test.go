package p2p

import (
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentity_StableAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	priv1, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	priv2, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.True(t, priv1.Equals(priv2))

	// The derived peer ID, which workers register with the admin, must
	// not change between runs.
	id1, err := peer.IDFromPrivateKey(priv1)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(priv2)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestLoadOrCreateIdentity_DistinctPaths(t *testing.T) {
	dir := t.TempDir()

	priv1, err := LoadOrCreateIdentity(filepath.Join(dir, "a.key"))
	require.NoError(t, err)
	priv2, err := LoadOrCreateIdentity(filepath.Join(dir, "b.key"))
	require.NoError(t, err)
	assert.False(t, priv1.Equals(priv2))
}
