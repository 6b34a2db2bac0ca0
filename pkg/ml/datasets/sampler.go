package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// DefaultBaseSeed seeds epoch shuffles when WithBaseSeed is not given.
const DefaultBaseSeed = 42

// DistributedSampler deterministically partitions dataset positions across
// the replicas of a run. For an epoch it derives a seed shared by every
// replica, shuffles [0, total) with it, equalizes the permutation length so
// all shards match, and hands each rank its contiguous slice.
//
// Determinism is the whole point: replicas never exchange sample orders, they
// each recompute the identical permutation from (base seed + epoch) and pick
// their own slice. Restarting an epoch replays exactly the same order.
type DistributedSampler struct {
	total, worldSize, rank int
	shardLen               int
	baseSeed               int64
	dropRemainder          bool
}

// SamplerOption customizes a DistributedSampler.
type SamplerOption func(*DistributedSampler)

// WithBaseSeed overrides the base shuffle seed. Every replica of a run must
// use the same value.
func WithBaseSeed(seed int64) SamplerOption {
	return func(s *DistributedSampler) { s.baseSeed = seed }
}

// WithDropRemainder switches the shard equalization from padding (repeat the
// head of the permutation until every shard is full) to truncation (drop the
// tail positions that cannot fill every shard). Padding revisits up to
// worldSize-1 samples per epoch; truncation skips up to worldSize-1.
func WithDropRemainder() SamplerOption {
	return func(s *DistributedSampler) { s.dropRemainder = true }
}

// NewDistributedSampler builds the sampler for one replica: rank's view of
// total positions split across worldSize replicas.
func NewDistributedSampler(total, worldSize, rank int, opts ...SamplerOption) (*DistributedSampler, error) {
	if total < 1 {
		return nil, errors.Errorf("sampler needs at least one sample, got %d", total)
	}
	if worldSize < 1 {
		return nil, errors.Errorf("world size must be >= 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	s := &DistributedSampler{
		total:     total,
		worldSize: worldSize,
		rank:      rank,
		baseSeed:  DefaultBaseSeed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dropRemainder {
		s.shardLen = total / worldSize
		if s.shardLen == 0 {
			return nil, errors.Errorf("dropping the remainder of %d samples over %d replicas leaves empty shards",
				total, worldSize)
		}
	} else {
		s.shardLen = (total + worldSize - 1) / worldSize
	}
	return s, nil
}

// EpochSeed is the shuffle seed every replica derives for an epoch: base
// seed plus epoch number, a pure function with no process-local entropy.
func (s *DistributedSampler) EpochSeed(epoch int) int64 {
	return s.baseSeed + int64(epoch)
}

// ShardLen is the number of positions each replica visits per epoch. It is
// identical on every rank, so replicas always run the same number of steps.
func (s *DistributedSampler) ShardLen() int { return s.shardLen }

// Rank this sampler shards for.
func (s *DistributedSampler) Rank() int { return s.rank }

// WorldSize this sampler shards across.
func (s *DistributedSampler) WorldSize() int { return s.worldSize }

// OrderFor returns this replica's positions for the given epoch: its
// contiguous slice of the epoch's shared permutation. The returned slice is
// the caller's to keep.
func (s *DistributedSampler) OrderFor(epoch int) []int {
	rng := rand.New(rand.NewSource(s.EpochSeed(epoch)))
	perm := rng.Perm(s.total)
	target := s.shardLen * s.worldSize
	if s.dropRemainder {
		perm = perm[:target]
	} else {
		// Pad with the head of the permutation, wrapping as often as needed,
		// until every shard is full.
		for len(perm) < target {
			perm = append(perm, perm[:min(s.total, target-len(perm))]...)
		}
	}
	order := make([]int, s.shardLen)
	copy(order, perm[s.rank*s.shardLen:])
	return order
}
