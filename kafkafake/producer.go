package kafkafake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// ProducerFactory builds fake producers against a shared Broker, one per
// ProducerKey (mirroring kgoadapter.ProducerFactory's one-client-per-key
// shape so producer.TransactionalFactory drives both identically).
type ProducerFactory struct {
	Broker *Broker

	mu      sync.Mutex
	created map[kafkaiface.ProducerKey]int // fencing: bumps every (re)create
}

// NewProducerFactory builds a ProducerFactory against broker.
func NewProducerFactory(broker *Broker) *ProducerFactory {
	return &ProducerFactory{Broker: broker, created: make(map[kafkaiface.ProducerKey]int)}
}

func (f *ProducerFactory) CreateProducer(ctx context.Context, key kafkaiface.ProducerKey) (kafkaiface.Producer, error) {
	f.mu.Lock()
	f.created[key]++
	epoch := f.created[key]
	f.mu.Unlock()
	return &Producer{broker: f.Broker, key: key, epoch: epoch}, nil
}

func (f *ProducerFactory) CloseThreadBoundProducer(key kafkaiface.ProducerKey) {}

// Producer is a fake transactional producer: BeginTransaction/CommitTransaction
// buffer records and offsets in memory and only write them to the Broker on
// commit, so a test can assert nothing lands on the log after an abort.
type Producer struct {
	broker *Broker
	key    kafkaiface.ProducerKey
	epoch  int

	mu             sync.Mutex
	inTxn          bool
	bufferedTx     []txnSend
	pendingTxOf    map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata
	pendingGroup   string
	closed         bool
	failNextCommit error
}

// FailNextCommit makes the next CommitTransaction call fail with err instead
// of applying its buffered sends/offsets, so tests can simulate a fenced
// producer at commit time (spec §4.4). Consumed on first use.
func (p *Producer) FailNextCommit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNextCommit = err
}

type txnSend struct {
	tp       kafkaiface.TopicPartition
	record   *kafkaiface.Record
	callback func(*kafkaiface.Record, error)
}

// Epoch reports how many times CreateProducer has (re)created a producer
// for this key, so a test can tell a fresh producer from a reused one after
// TransactionalFactory.Invalidate (spec §4.4: "next allocation creates a
// fresh producer (new epoch)").
func (p *Producer) Epoch() int { return p.epoch }

func (p *Producer) BeginTransaction() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("kafkafake: producer closed")
	}
	p.inTxn = true
	p.bufferedTx = nil
	p.pendingTxOf = make(map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata)
	return nil
}

func (p *Producer) Send(ctx context.Context, record *kafkaiface.Record, callback func(*kafkaiface.Record, error)) {
	tp := kafkaiface.TopicPartition{Topic: record.Topic, Partition: record.Partition}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTxn {
		p.bufferedTx = append(p.bufferedTx, txnSend{tp: tp, record: record, callback: callback})
		return
	}
	offset := p.broker.Append(tp, record)
	out := *record
	out.Offset = offset
	if callback != nil {
		callback(&out, nil)
	}
}

func (p *Producer) SendOffsetsToTransaction(ctx context.Context, offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, group kafkaiface.ConsumerGroupMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return errors.New("kafkafake: SendOffsetsToTransaction outside transaction")
	}
	for tp, om := range offsets {
		p.pendingTxOf[tp] = om
	}
	p.pendingGroup = group.GroupID
	return nil
}

func (p *Producer) CommitTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return errors.New("kafkafake: commit outside transaction")
	}
	if p.failNextCommit != nil {
		err := p.failNextCommit
		p.failNextCommit = nil
		p.inTxn = false
		p.bufferedTx = nil
		p.pendingTxOf = nil
		return err
	}
	for _, s := range p.bufferedTx {
		offset := p.broker.Append(s.tp, s.record)
		if s.callback != nil {
			out := *s.record
			out.Offset = offset
			s.callback(&out, nil)
		}
	}
	if len(p.pendingTxOf) > 0 {
		p.broker.Commit(p.pendingGroup, p.pendingTxOf)
	}
	p.inTxn = false
	p.bufferedTx = nil
	p.pendingTxOf = nil
	return nil
}

func (p *Producer) AbortTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return errors.New("kafkafake: abort outside transaction")
	}
	for _, s := range p.bufferedTx {
		if s.callback != nil {
			s.callback(s.record, errors.New("kafkafake: transaction aborted"))
		}
	}
	p.inTxn = false
	p.bufferedTx = nil
	p.pendingTxOf = nil
	return nil
}

func (p *Producer) Flush(ctx context.Context) error { return nil }

func (p *Producer) Close(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
