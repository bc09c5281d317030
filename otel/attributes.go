package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrFetchStatus    = attribute.Key("subscriber.fetch.status")
	AttrCommitStatus   = attribute.Key("subscriber.commit.status")
	AttrRedeliveryKind = attribute.Key("subscriber.redelivery.reason")
	AttrRebalanceKind  = attribute.Key("subscriber.rebalance.kind")
)

// Fetch and commit status values
const (
	StatusSuccess = "success"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Redelivery reasons
const (
	RedeliveryRollback     = "rollback"
	RedeliveryCommitFailed = "commit_failed"
	RedeliveryUnclaimed    = "unclaimed"
)

// Rebalance kinds
const (
	RebalanceAssigned = "assigned"
	RebalanceRevoked  = "revoked"
)
