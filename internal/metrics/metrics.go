// Package metrics exposes the demo server's /metrics counters via
// github.com/prometheus/client_golang, a dependency the teacher only pulls
// in transitively (through indigo / go-grpc-prometheus) and never wires
// directly — given a home here for the signals that matter on an
// authorization server: issuance, revocation, and replay detection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pds_oauth_tokens_issued_total",
		Help: "Access/refresh token pairs issued, by grant type.",
	}, []string{"grant_type"})

	FamiliesRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pds_oauth_families_revoked_total",
		Help: "Token families revoked, by reason.",
	}, []string{"reason"})

	ReplaysDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pds_oauth_replays_detected_total",
		Help: "Replay attempts detected, by surface.",
	}, []string{"surface"})

	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pds_oauth_request_errors_total",
		Help: "OAuth wire errors returned, by error code.",
	}, []string{"code"})
)
