package core

import (
	"time"

	"github.com/covesocial/pds-oauth/internal/clock"
	"github.com/covesocial/pds-oauth/internal/oauth/clientauth"
	"github.com/covesocial/pds-oauth/internal/oauth/dpop"
	"github.com/covesocial/pds-oauth/internal/oauth/signing"
	"github.com/covesocial/pds-oauth/internal/oauth/storage"
)

// Default lifetimes from spec.md §3.
const (
	PARTTL  = 90 * time.Second
	CodeTTL = 60 * time.Second
)

// Service wires every component into the OAuth state machine: PAR,
// authorize, token, and revoke, plus the metadata documents. It holds no
// durable state of its own beyond the in-process nonce rotation table;
// everything else flows through Storage.
type Service struct {
	Storage storage.Storage
	Clock   clock.Clock
	DPoP    *dpop.Verifier
	Clients *clientauth.Resolver
	Auth    *clientauth.Authenticator
	Keys    *signing.Keys

	// Issuer is this PDS's base URL (https://host), used as iss/aud and
	// to build the token/authorize/PAR endpoint URLs below.
	Issuer string

	nonces *nonceIssuer
}

// NewService constructs a Service. The Authenticator's expected assertion
// audience is issuer+TokenEndpointPath, the token endpoint URL.
func NewService(store storage.Storage, c clock.Clock, keys *signing.Keys, issuer string) *Service {
	resolver := clientauth.NewResolver(store, c)
	authenticator := clientauth.NewAuthenticator(store, c, issuer+TokenEndpointPath)
	return &Service{
		Storage: store,
		Clock:   c,
		DPoP:    dpop.New(store, c),
		Clients: resolver,
		Auth:    authenticator,
		Keys:    keys,
		Issuer:  issuer,
		nonces:  newNonceIssuer(),
	}
}

// Wire endpoint paths, per spec.md §6's table.
const (
	PAREndpointPath       = "/oauth/par"
	AuthorizeEndpointPath = "/oauth/authorize"
	TokenEndpointPath     = "/oauth/token"
	RevokeEndpointPath    = "/oauth/revoke"
)

// TokenEndpointURL returns the absolute token endpoint URL used as DPoP
// htu and client-assertion aud.
func (s *Service) TokenEndpointURL() string { return s.Issuer + TokenEndpointPath }

// PAREndpointURL returns the absolute PAR endpoint URL used as DPoP htu.
func (s *Service) PAREndpointURL() string { return s.Issuer + PAREndpointPath }
