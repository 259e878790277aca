package upload

import (
	"crypto/sha1"
	"encoding/binary"

	"github.com/hashfs-io/hashfs/pkg/types"
)

// FileID derives the hashop id used while committing a file revision
// (spec.md §4.4 "File-id and token-id derivations"):
// SHA1(cluster_uuid ∥ volume_id:le64 ∥ name ∥ 0 ∥ revision).
func FileID(clusterUUID [16]byte, volumeID int64, name, revision string) types.Hash {
	h := sha1.New()
	h.Write(clusterUUID[:])
	var vidBuf [8]byte
	binary.LittleEndian.PutUint64(vidBuf[:], uint64(volumeID))
	h.Write(vidBuf[:])
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(revision))
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ReserveID derives the hashop group id used while a token is still open,
// before a revision exists: SHA1(cluster_uuid ∥ volume_id:le64 ∥ name ∥ 0).
func ReserveID(clusterUUID [16]byte, volumeID int64, name string) types.Hash {
	h := sha1.New()
	h.Write(clusterUUID[:])
	var vidBuf [8]byte
	binary.LittleEndian.PutUint64(vidBuf[:], uint64(volumeID))
	h.Write(vidBuf[:])
	h.Write([]byte(name))
	h.Write([]byte{0})
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// TmpID derives the per-node, per-token operation id: SHA1(node_uuid ∥ token_text).
func TmpID(nodeUUID [16]byte, tokenText string) types.Hash {
	h := sha1.New()
	h.Write(nodeUUID[:])
	h.Write([]byte(tokenText))
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
