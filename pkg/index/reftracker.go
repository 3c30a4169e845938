package index

import (
	"context"

	"github.com/jacktea/shardian/pkg/manifest"
)

// RefTracker keeps chunk reference counts in sync with indexed manifests.
type RefTracker struct {
	Store Store
}

// Add increments the refcount of chunkID by delta.
func (r *RefTracker) Add(ctx context.Context, chunkID string, delta int) error {
	if r == nil || chunkID == "" || delta == 0 {
		return nil
	}
	_, err := r.Store.IncRef(ctx, chunkID, delta)
	return err
}

// Release decrements the refcount and queues the chunk for collection at zero.
func (r *RefTracker) Release(ctx context.Context, chunkID string) error {
	if r == nil || chunkID == "" {
		return nil
	}
	refs, err := r.Store.IncRef(ctx, chunkID, -1)
	if err != nil {
		return err
	}
	if refs == 0 {
		return r.Store.DecideGC(ctx, chunkID, refs)
	}
	return nil
}

// AddManifest takes one reference per chunk entry of m.
func (r *RefTracker) AddManifest(ctx context.Context, m *manifest.FileManifest) error {
	for _, ch := range m.Chunks {
		if err := r.Add(ctx, ch.Hash.String(), 1); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseManifest drops the references taken by AddManifest.
func (r *RefTracker) ReleaseManifest(ctx context.Context, m *manifest.FileManifest) error {
	for _, ch := range m.Chunks {
		if err := r.Release(ctx, ch.Hash.String()); err != nil {
			return err
		}
	}
	return nil
}
