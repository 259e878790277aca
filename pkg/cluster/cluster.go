// Package cluster defines the outbound node-to-node contract the upload
// state machine and block layer call through — presence checks, replica
// reservation, and block/file pushes — without either of those packages
// importing a transport directly (spec.md §4.4, §4.2, §4.7). The real
// network client (gRPC with mTLS, grounded on the teacher's pkg/client) is
// out of this module's scope per spec.md's Non-goals; Local below only
// covers the degenerate single-node case and marks the seam a production
// client fills in.
package cluster

import (
	"context"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
	"github.com/hashfs-io/hashfs/pkg/upload"
)

// Client is the full outbound contract a node needs against its peers. It
// composes upload.PresenceChecker, upload.Reserver, and blockstore.Pusher
// so one implementation satisfies every wiring point cmd/hashfsd needs, plus
// MoveFile for rebalance's file relocation drain (pkg/rebalance.FileMover).
type Client interface {
	upload.PresenceChecker
	upload.Reserver
	blockstore.Pusher
	MoveFile(ctx context.Context, target [16]byte, vid int64, name string) error
}

// Local is a Client for a single-node deployment or local integration
// tests: every target must equal LocalNode, and it fails closed for any
// other target rather than silently no-opping, so dropping in a real
// multi-node transport later is a Client swap, not a behavior change.
type Local struct {
	LocalNode [16]byte
	Blocks    *blockstore.Store
}

// CheckPresent implements upload.PresenceChecker against the local block
// store.
func (l *Local) CheckPresent(ctx context.Context, target [16]byte, bs types.BlockSize, hash types.Hash) (bool, error) {
	if target != l.LocalNode {
		return false, errRemote(target)
	}
	if _, err := l.Blocks.BlockGet(ctx, bs, hash); err != nil {
		if hferr.Is(err, hferr.ENOENT) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Reserve implements upload.Reserver against the local block store.
func (l *Local) Reserve(ctx context.Context, target [16]byte, bs types.BlockSize, hash types.Hash, reserveID types.Hash, ttl int64) error {
	if target != l.LocalNode {
		return errRemote(target)
	}
	_, err := l.Blocks.Hashop(ctx, bs, hash, blockstore.HashopReserve, reserveID[:], 1, ttl, 0)
	return err
}

// PushBlock implements blockstore.Pusher: a local target is already
// satisfied by definition, anything else needs a real transport.
func (l *Local) PushBlock(ctx context.Context, hash types.Hash, bs types.BlockSize, target [16]byte) error {
	if target == l.LocalNode {
		return nil
	}
	return errRemote(target)
}

// MoveFile implements rebalance.FileMover the same way PushBlock does.
func (l *Local) MoveFile(ctx context.Context, target [16]byte, vid int64, name string) error {
	if target == l.LocalNode {
		return nil
	}
	return errRemote(target)
}

func errRemote(target [16]byte) error {
	return hferr.Newf(hferr.FailEInternal, "remote node %x unreachable: no transport wired (spec.md Non-goals excludes network transport)", target)
}
