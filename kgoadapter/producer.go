package kgoadapter

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/kafkaiface"
	"github.com/mu-l/kafkalistener/klog"
)

// ProducerFactory builds real franz-go-backed transactional producers (spec
// §4.8), one *kgo.Client per ProducerKey. It is the backing passed to
// producer.TransactionalFactory, which owns pooling/suffix allocation; this
// factory only knows how to construct and tear down a single client.
type ProducerFactory struct {
	seedBrokers []string
	log         klog.Logger
	opts        []kgo.Opt
	codec       PayloadCodec // optional; nil means no payload-level compression
}

// NewProducerFactory builds a ProducerFactory against seedBrokers. codec may
// be nil. opts are extra kgo.Opt layered onto every client (e.g.
// kgo.ProducerBatchCompression for broker-side batch compression, which is
// independent of codec's payload-level compression).
func NewProducerFactory(seedBrokers []string, log klog.Logger, codec PayloadCodec, opts ...kgo.Opt) *ProducerFactory {
	if log == nil {
		log = klog.Nop{}
	}
	return &ProducerFactory{seedBrokers: seedBrokers, log: log, opts: opts, codec: codec}
}

// CreateProducer satisfies kafkaiface.ProducerFactory: key.TransactionalID()
// becomes the client's transactional.id.
func (f *ProducerFactory) CreateProducer(ctx context.Context, key kafkaiface.ProducerKey) (kafkaiface.Producer, error) {
	opts := append([]kgo.Opt{}, f.opts...)
	opts = append(opts,
		kgo.SeedBrokers(f.seedBrokers...),
		kgo.WithLogger(newKgoLogger(f.log)),
		kgo.TransactionalID(key.TransactionalID()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "kgoadapter: new producer client for %s", key.TransactionalID())
	}
	return &producer{cl: cl, log: f.log, codec: f.codec, key: key}, nil
}

// CloseThreadBoundProducer is a no-op: TransactionalFactory never calls
// it, and closes its cached producers directly through Producer.Close.
func (f *ProducerFactory) CloseThreadBoundProducer(key kafkaiface.ProducerKey) {}

// producer wraps a single transactional *kgo.Client to satisfy
// kafkaiface.Producer.
type producer struct {
	cl    *kgo.Client
	log   klog.Logger
	codec PayloadCodec
	key   kafkaiface.ProducerKey
}

func (p *producer) BeginTransaction() error {
	return p.cl.BeginTransaction()
}

func (p *producer) Send(ctx context.Context, record *kafkaiface.Record, callback func(*kafkaiface.Record, error)) {
	value := record.Value
	headers := make([]kgo.RecordHeader, 0, len(record.Headers)+1)
	if p.codec != nil && len(value) > 0 {
		compressed, err := p.codec.Compress(value)
		if err != nil {
			p.log.Log(klog.LevelWarn, "payload compression failed, sending uncompressed", "codec", p.codec.Name(), "err", err)
		} else {
			value = compressed
			headers = append(headers, kgo.RecordHeader{Key: ContentEncodingHeader, Value: []byte(p.codec.Name())})
		}
	}
	for _, h := range record.Headers {
		headers = append(headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
	}

	kr := &kgo.Record{
		Topic:     record.Topic,
		Partition: record.Partition,
		Key:       record.Key,
		Value:     value,
		Headers:   headers,
		Timestamp: record.Timestamp,
	}
	p.cl.Produce(ctx, kr, func(r *kgo.Record, err error) {
		if callback == nil {
			return
		}
		out := *record
		out.Offset = r.Offset
		callback(&out, err)
	})
}

func (p *producer) SendOffsetsToTransaction(ctx context.Context, offsets map[kafkaiface.TopicPartition]kafkaiface.OffsetAndMetadata, group kafkaiface.ConsumerGroupMetadata) error {
	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for tp, om := range offsets {
		if toCommit[tp.Topic] == nil {
			toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		epoch := int32(-1)
		if om.LeaderEpoch != nil {
			epoch = *om.LeaderEpoch
		}
		toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: epoch, Offset: om.Offset}
	}
	return p.cl.TxnOffsetCommit(ctx, group.GroupID, toCommit)
}

func (p *producer) CommitTransaction(ctx context.Context) error {
	return p.cl.EndTransaction(ctx, kgo.TryCommit)
}

func (p *producer) AbortTransaction(ctx context.Context) error {
	return p.cl.EndTransaction(ctx, kgo.TryAbort)
}

func (p *producer) Flush(ctx context.Context) error {
	return p.cl.Flush(ctx)
}

func (p *producer) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.cl.Close()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("kgoadapter: producer close timed out")
	}
}
