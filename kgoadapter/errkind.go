package kgoadapter

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/mu-l/kafkalistener/kafkaiface"
)

// ClassifyError maps a franz-go broker error (kerr.Error) to the ErrorKind
// taxonomy the error-handler pipeline classifies against (spec §7). It is
// meant to be used directly as an errhandler.Classifier, or folded into a
// larger errhandler.AllowList alongside application-level predicates.
func ClassifyError(err error) kafkaiface.ErrorKind {
	if err == nil {
		return kafkaiface.ErrorKindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return kafkaiface.ErrorKindTransientBroker
	}

	var ke *kerr.Error
	if !errors.As(err, &ke) {
		return kafkaiface.ErrorKindUnknown
	}

	switch ke {
	case kerr.SaslAuthenticationFailed,
		kerr.ClusterAuthorizationFailed,
		kerr.TopicAuthorizationFailed,
		kerr.GroupAuthorizationFailed,
		kerr.TransactionalIDAuthorizationFailed,
		kerr.DelegationTokenAuthorizationFailed:
		return kafkaiface.ErrorKindAuth

	case kerr.ProducerFenced,
		kerr.InvalidProducerEpoch,
		kerr.InvalidProducerIDMapping:
		return kafkaiface.ErrorKindFenced

	case kerr.NotLeaderForPartition,
		kerr.RebalanceInProgress,
		kerr.RequestTimedOut,
		kerr.NotEnoughReplicas,
		kerr.NotEnoughReplicasAfterAppend,
		kerr.CoordinatorNotAvailable,
		kerr.CoordinatorLoadInProgress,
		kerr.UnknownLeaderEpoch,
		kerr.NetworkException:
		return kafkaiface.ErrorKindTransientBroker
	}

	if ke.Retriable {
		return kafkaiface.ErrorKindTransientBroker
	}
	return kafkaiface.ErrorKindFatal
}
