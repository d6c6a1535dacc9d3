// Package producer implements the transactional (and non-transactional)
// producer factory (spec §4.4, component C4): a bounded cache of producers
// keyed by (transactionalIdPrefix, suffix), with pluggable suffix
// allocation strategies and fencing-safe invalidation.
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/klog"
)

type cachedProducer struct {
	kafkaiface.Producer
	key kafkaiface.ProducerKey
}

// TransactionalFactory is a bounded cache of producers. It is safe for
// concurrent use from multiple container goroutines (spec §5: "The
// producer cache (C4) uses a single monitor per cache to allocate/release
// slots").
type TransactionalFactory struct {
	backing  kafkaiface.ProducerFactory
	prefix   string
	strategy SuffixStrategy
	log      klog.Logger

	mu        sync.Mutex
	producers map[kafkaiface.ProducerKey]*cachedProducer
	ownerKey  map[Owner]kafkaiface.ProducerKey // owner -> the key it currently holds
}

// NewTransactionalFactory builds a factory that mints transactional ids as
// prefix + "-" + suffix, with suffix allocation delegated to strategy.
func NewTransactionalFactory(backing kafkaiface.ProducerFactory, prefix string, strategy SuffixStrategy, log klog.Logger) *TransactionalFactory {
	if log == nil {
		log = klog.Nop{}
	}
	return &TransactionalFactory{
		backing:   backing,
		prefix:    prefix,
		strategy:  strategy,
		log:       log,
		producers: make(map[kafkaiface.ProducerKey]*cachedProducer),
		ownerKey:  make(map[Owner]kafkaiface.ProducerKey),
	}
}

// Acquire returns the producer for owner, creating one (and allocating a
// suffix) if none is cached yet. The invariant "at most one un-closed
// producer exists for any (prefix, suffix) pair" (spec §3) is enforced by
// producers being indexed by ProducerKey under the single factory mutex.
func (f *TransactionalFactory) Acquire(ctx context.Context, owner Owner) (kafkaiface.Producer, kafkaiface.ProducerKey, error) {
	f.mu.Lock()
	if key, ok := f.ownerKey[owner]; ok {
		if cp, ok := f.producers[key]; ok {
			f.mu.Unlock()
			return cp, key, nil
		}
	}
	f.mu.Unlock()

	suffix, err := f.strategy.Acquire(ctx, owner)
	if err != nil {
		return nil, kafkaiface.ProducerKey{}, errors.Wrap(err, "producer: acquire suffix")
	}
	key := kafkaiface.ProducerKey{TransactionalIDPrefix: f.prefix, Suffix: suffix}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cp, ok := f.producers[key]; ok {
		f.ownerKey[owner] = key
		return cp, key, nil
	}

	p, err := f.backing.CreateProducer(ctx, key)
	if err != nil {
		f.strategy.Release(suffix)
		return nil, kafkaiface.ProducerKey{}, errors.Wrapf(err, "producer: create producer for %s", key.TransactionalID())
	}
	cp := &cachedProducer{Producer: p, key: key}
	f.producers[key] = cp
	f.ownerKey[owner] = key
	f.log.Log(klog.LevelInfo, "producer created", "transactional_id", key.TransactionalID())
	return cp, key, nil
}

// Release returns a producer to the pool after a successful commit or
// abort. The producer itself is kept open for reuse; only the suffix lease
// (for Pooled strategies) is returned. The invariant "a producer is never
// returned to the pool in a non-idempotent state" (spec §3) means this must
// only be called after commit/abort has already completed without error.
func (f *TransactionalFactory) Release(owner Owner) {
	f.mu.Lock()
	key, ok := f.ownerKey[owner]
	delete(f.ownerKey, owner)
	f.mu.Unlock()
	if ok {
		f.strategy.Release(key.Suffix)
	}
}

// Invalidate drops the cached producer for key and closes it. Called after
// a ProducerFenced error on commit (spec §4.4: "After a ProducerFenced on
// commit, the slot is invalidated; next allocation creates a fresh producer
// (new epoch)").
func (f *TransactionalFactory) Invalidate(key kafkaiface.ProducerKey) {
	f.mu.Lock()
	cp, ok := f.producers[key]
	delete(f.producers, key)
	for owner, ownedKey := range f.ownerKey {
		if ownedKey == key {
			delete(f.ownerKey, owner)
		}
	}
	f.mu.Unlock()
	if ok {
		f.log.Log(klog.LevelWarn, "producer invalidated after fencing", "transactional_id", key.TransactionalID())
		_ = cp.Close(0)
		f.strategy.Release(key.Suffix)
	}
}

// Close closes every cached producer. Used on factory shutdown.
func (f *TransactionalFactory) Close(timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, cp := range f.producers {
		_ = cp.Close(timeout)
		delete(f.producers, key)
	}
}
