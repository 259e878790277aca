package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

func TestSignProducesHMACOverExactPrefix(t *testing.T) {
	rootKey := make([]byte, 20) // "zero-key"
	tokenKey := DeriveTokenKey(rootKey)

	var rnd [16]byte
	for i := range rnd {
		rnd[i] = 0xaa
	}
	const nodeUUID = "11111111-1111-1111-1111-111111111111"
	const replica = 3
	const expiry = uint64(0x00000000deadbeef)

	token := Sign(tokenKey, nodeUUID, rnd, replica, expiry)

	wantPrefix := nodeUUID + ":" + hex.EncodeToString(rnd[:]) + ":00000003:00000000deadbeef:"
	require.Equal(t, wantPrefix, token[:len(wantPrefix)])

	mac := hmac.New(sha1.New, tokenKey)
	mac.Write([]byte(wantPrefix))
	wantHMAC := hex.EncodeToString(mac.Sum(nil))
	require.Equal(t, wantHMAC, token[len(wantPrefix):])
	require.Len(t, wantHMAC, 40)
}

func TestVerifyRoundTrip(t *testing.T) {
	tokenKey := DeriveTokenKey([]byte("root-key-material"))
	var rnd [16]byte
	copy(rnd[:], []byte("0123456789abcdef"))

	token := Sign(tokenKey, "22222222-2222-2222-2222-222222222222", rnd, 2, 12345)
	parsed, err := Verify(tokenKey, token)
	require.NoError(t, err)
	require.Equal(t, "22222222-2222-2222-2222-222222222222", parsed.NodeUUID)
	require.Equal(t, rnd, parsed.Rand)
	require.Equal(t, 2, parsed.Replica)
	require.Equal(t, uint64(12345), parsed.Expiry)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	tokenKey := DeriveTokenKey([]byte("root-key-material"))
	var rnd [16]byte
	token := Sign(tokenKey, "22222222-2222-2222-2222-222222222222", rnd, 1, 1)

	tampered := []byte(token)
	tampered[0] = 'X'
	_, err := Verify(tokenKey, string(tampered))
	require.True(t, hferr.Is(err, hferr.EPERM))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	tokenKey := DeriveTokenKey([]byte("root-key-material"))
	other := DeriveTokenKey([]byte("different-key"))
	var rnd [16]byte
	token := Sign(tokenKey, "22222222-2222-2222-2222-222222222222", rnd, 1, 1)

	_, err := Verify(other, token)
	require.True(t, hferr.Is(err, hferr.EPERM))
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	_, err := Verify([]byte("key"), "too-short")
	require.True(t, hferr.Is(err, hferr.EPERM))
}
