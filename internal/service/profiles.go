package service

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
)

// profileCache keeps recently read profiles in memory in front of the
// durable profile rows. The durable row is authoritative.
type profileCache struct {
	hot   *lru.Cache[string, protocol.TrustProfile]
	store storage.ProfileStore
}

func newProfileCache(store storage.ProfileStore, size int) (*profileCache, error) {
	if size <= 0 {
		size = 1024
	}
	hot, err := lru.New[string, protocol.TrustProfile](size)
	if err != nil {
		return nil, fmt.Errorf("create profile lru: %w", err)
	}
	return &profileCache{hot: hot, store: store}, nil
}

func (c *profileCache) get(ctx context.Context, subjectID string) (protocol.TrustProfile, bool, error) {
	if p, ok := c.hot.Get(subjectID); ok {
		return p, true, nil
	}
	p, ok, err := c.store.GetProfile(ctx, subjectID)
	if err != nil || !ok {
		return protocol.TrustProfile{}, false, err
	}
	c.remember(p)
	return p, true, nil
}

// stored bypasses the hot layer.
func (c *profileCache) stored(ctx context.Context, subjectID string) (protocol.TrustProfile, bool, error) {
	return c.store.GetProfile(ctx, subjectID)
}

func (c *profileCache) put(ctx context.Context, p protocol.TrustProfile) error {
	saved, err := c.store.SaveProfile(ctx, p)
	if err != nil {
		return err
	}
	if saved {
		c.remember(p)
	} else {
		c.hot.Remove(p.SubjectID)
	}
	return nil
}

func (c *profileCache) remember(p protocol.TrustProfile) {
	if existing, ok := c.hot.Peek(p.SubjectID); ok && existing.ComputedFromSequence > p.ComputedFromSequence {
		return
	}
	c.hot.Add(p.SubjectID, p)
}

func (c *profileCache) len() int {
	return c.hot.Len()
}
