package blockstore

import (
	"bytes"
	"fmt"
	"os"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
)

// versionTag is the fixed identifying string written into every data file's
// slot-0 header (spec.md §6 "Data file header").
const versionTag = "SX-Storage 1.5\x00\x00"

// header is the fixed layout occupying slot 0 of every flat data file.
// Field offsets and widths are wire format, not implementation choices.
type header struct {
	ShardName   string // e.g. "datafile_s_00000003"
	BlockSize   types.BlockSize
	ClusterUUID [16]byte
}

func shardName(bs types.BlockSize, idx int) string {
	return fmt.Sprintf("datafile_%s_%08x", bs.Class(), idx)
}

// writeHeader serialises h into a zero-padded slot-0 buffer of exactly
// bs bytes and writes it to offset 0 of f.
func writeHeader(f *os.File, h header) error {
	buf := make([]byte, h.BlockSize)
	copy(buf[0:16], []byte(versionTag))
	copy(buf[16:48], []byte(fmt.Sprintf("%-32s", h.ShardName)))
	copy(buf[48:56], []byte(fmt.Sprintf("%08x", uint32(h.BlockSize))))
	copy(buf[64:80], h.ClusterUUID[:])
	if _, err := f.WriteAt(buf, 0); err != nil {
		return hferr.Wrap(hferr.FailEInit, err, "write data file header")
	}
	return nil
}

// readAndValidateHeader reads slot 0 of f and checks it against want. A
// mismatch means the data file belongs to a different cluster, shard, or
// block size than the one opening it — spec.md §6 requires aborting with a
// CRIT-level failure rather than silently trusting a foreign file.
func readAndValidateHeader(f *os.File, want header) error {
	buf := make([]byte, want.BlockSize)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n != len(buf) {
		return hferr.Wrap(hferr.FailEInit, err, "read data file header")
	}
	gotTag := string(bytes.TrimRight(buf[0:16], "\x00"))
	wantTag := string(bytes.TrimRight([]byte(versionTag), "\x00"))
	if gotTag != wantTag {
		return hferr.Newf(hferr.FailEInit, "data file version tag mismatch: got %q want %q", gotTag, wantTag)
	}
	gotName := bytes.TrimRight(buf[16:48], " \x00")
	wantName := bytes.TrimRight([]byte(fmt.Sprintf("%-32s", want.ShardName)), " \x00")
	if !bytes.Equal(gotName, wantName) {
		return hferr.Newf(hferr.FailEInit, "data file shard name mismatch: got %q want %q", gotName, wantName)
	}
	gotSize := string(bytes.TrimRight(buf[48:56], "\x00"))
	wantSize := fmt.Sprintf("%08x", uint32(want.BlockSize))
	if gotSize != wantSize {
		return hferr.Newf(hferr.FailEInit, "data file block size mismatch: got %q want %q", gotSize, wantSize)
	}
	if !bytes.Equal(buf[64:80], want.ClusterUUID[:]) {
		return hferr.New(hferr.FailEInit, "data file cluster UUID mismatch")
	}
	return nil
}
