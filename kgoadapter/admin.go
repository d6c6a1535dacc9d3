package kgoadapter

import (
	"context"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pkg/errors"

	"github.com/mu-l/kafkalistener/klog"
	"github.com/mu-l/kafkalistener/retrytopic"
)

// Admin wraps kadm.Client for the read-only topology inspector: describing
// whether retry/DLT topics already exist and how many partitions they have.
// It never issues CreateTopics or any other mutating admin call — topic
// provisioning is explicitly out of scope.
type Admin struct {
	adm *kadm.Client
	log klog.Logger
}

// NewAdmin builds an Admin against seedBrokers using its own short-lived
// *kgo.Client (admin calls do not consume or produce records).
func NewAdmin(seedBrokers []string, log klog.Logger, opts ...kgo.Opt) (*Admin, error) {
	if log == nil {
		log = klog.Nop{}
	}
	clientOpts := append([]kgo.Opt{}, opts...)
	clientOpts = append(clientOpts, kgo.SeedBrokers(seedBrokers...), kgo.WithLogger(newKgoLogger(log)))
	cl, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "kgoadapter: new admin client")
	}
	return &Admin{adm: kadm.NewClient(cl), log: log}, nil
}

// Close releases the underlying admin client.
func (a *Admin) Close() {
	a.adm.Close()
}

// DescribeChain reports, for every topic in chain, whether it already
// exists on the broker and its current partition count (spec supplement:
// "Topology inspector").
func (a *Admin) DescribeChain(ctx context.Context, chain retrytopic.Chain) (retrytopic.ChainStatus, error) {
	names := chain.TopicNames()
	metas, err := a.adm.ListTopics(ctx, names...)
	if err != nil {
		return retrytopic.ChainStatus{}, errors.Wrap(err, "kgoadapter: list topics")
	}

	status := retrytopic.ChainStatus{Chain: chain}
	for _, name := range names {
		t, ok := metas[name]
		if !ok || t.Err != nil {
			status.Topics = append(status.Topics, retrytopic.TopicStatus{Topic: name, Exists: false})
			continue
		}
		status.Topics = append(status.Topics, retrytopic.TopicStatus{
			Topic:         name,
			Exists:        true,
			NumPartitions: int32(len(t.Partitions)),
		})
	}
	return status, nil
}
