package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hashfs.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaultsAndParsesOverrides(t *testing.T) {
	path := writeConfig(t, `
node_uuid: "11111111-1111-1111-1111-111111111111"
cluster_uuid: "22222222-2222-2222-2222-222222222222"
cluster_root_auth_key_hex: "aabbccdd"
data_dir: "/var/lib/hashfs"
gc:
  interval: 45s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/hashfs", cfg.DataDir)
	require.Equal(t, 45*time.Second, cfg.GC.Interval)
	require.Equal(t, 5*time.Minute, cfg.GC.ReservationGrace, "unset fields keep the default")
	require.Equal(t, 2, cfg.DefaultReplica)

	nodeID, err := cfg.NodeUUIDBytes()
	require.NoError(t, err)
	require.Equal(t, byte(0x11), nodeID[0])

	key, err := cfg.ClusterRootAuthKey()
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, key)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `data_dir: "/tmp/x"`)
	_, err := Load(path)
	require.True(t, hferr.Is(err, hferr.EINVAL))
}

func TestLoadRejectsInvalidUUID(t *testing.T) {
	path := writeConfig(t, `
node_uuid: "not-a-uuid"
cluster_uuid: "22222222-2222-2222-2222-222222222222"
cluster_root_auth_key_hex: "aa"
data_dir: "/tmp/x"
`)
	_, err := Load(path)
	require.True(t, hferr.Is(err, hferr.EINVAL))
}

func TestLoadRejectsInvalidHexKey(t *testing.T) {
	path := writeConfig(t, `
node_uuid: "11111111-1111-1111-1111-111111111111"
cluster_uuid: "22222222-2222-2222-2222-222222222222"
cluster_root_auth_key_hex: "not-hex"
data_dir: "/tmp/x"
`)
	_, err := Load(path)
	require.True(t, hferr.Is(err, hferr.EINVAL))
}
