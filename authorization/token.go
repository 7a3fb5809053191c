package authorization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/songzhibin97/dataplane-engine/types"
)

// DefaultTokenTTL is the credential lifetime when TokenOptions.TTL is zero.
const DefaultTokenTTL = time.Hour

// Claims are carried by every issued credential.
type Claims struct {
	FlowID        string            `json:"flowId"`
	AgreementID   string            `json:"agreementId,omitempty"`
	AssetID       string            `json:"assetId,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Properties    map[string]string `json:"props,omitempty"`
	IssuedNanos   int64             `json:"iatn"`
	jwt.RegisteredClaims
}

// TokenOptions configures a TokenService.
type TokenOptions struct {
	Endpoint string // public endpoint consumers pull from
	Issuer   string
	Secret   []byte
	TTL      time.Duration
	Clock    clock.PassiveClock

	// Revocations is shared by every runtime verifying this service's
	// tokens. The default keeps revocations in memory.
	Revocations RevocationStore
}

// TokenService issues HS256 bearer tokens. Revocation is per flow: a
// credential is rejected when its flow was revoked at or after it was issued.
type TokenService struct {
	opts TokenOptions
}

// NewTokenService validates the options and creates a TokenService.
func NewTokenService(opts TokenOptions) (*TokenService, error) {
	if len(opts.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Revocations == nil {
		opts.Revocations = NewMemoryRevocations()
	}
	return &TokenService{opts: opts}, nil
}

// CreateCredential implements Service.
func (s *TokenService) CreateCredential(ctx context.Context, msg types.StartMessage) (*types.DataAddress, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if msg.ProcessID == "" {
		return nil, ErrMissingFlowID
	}

	now := s.opts.Clock.Now()
	claims := Claims{
		FlowID:        msg.ProcessID,
		AgreementID:   msg.AgreementID,
		AssetID:       msg.AssetID,
		ParticipantID: msg.ParticipantID,
		Properties:    msg.Properties,
		IssuedNanos:   now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.opts.Issuer,
			Subject:   msg.ProcessID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign credential for %s: %w", msg.ProcessID, err)
	}

	return &types.DataAddress{
		Type: EndpointDataReferenceType,
		Properties: map[string]string{
			PropertyID:            msg.ProcessID,
			PropertyEndpoint:      s.opts.Endpoint,
			PropertyAuthorization: signed,
			PropertyAuthType:      AuthTypeBearer,
			PropertyEndpointType:  EndpointDataReferenceType,
		},
	}, nil
}

// RevokeCredential implements Service. Every credential of the flow issued so
// far is rejected from now on; the latest revocation's reason is reported.
func (s *TokenService) RevokeCredential(ctx context.Context, flowID, reason string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if flowID == "" {
		return ErrMissingFlowID
	}
	rev := Revocation{FlowID: flowID, Reason: reason, RevokedAt: s.opts.Clock.Now()}
	if err := s.opts.Revocations.Revoke(ctx, rev); err != nil {
		return fmt.Errorf("revoke credentials of %s: %w", flowID, err)
	}
	return nil
}

// Verify parses a token and rejects expired, forged and revoked credentials.
func (s *TokenService) Verify(ctx context.Context, token string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.opts.Clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.opts.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.opts.Issuer))
	}

	parser := jwt.NewParser(options...)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.opts.Secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	rev, revoked, err := s.Revocation(ctx, claims.FlowID)
	if err != nil {
		return nil, err
	}
	if revoked && claims.IssuedNanos <= rev.RevokedAt.UnixNano() {
		return nil, fmt.Errorf("%w: flow %s: %s", ErrRevoked, rev.FlowID, rev.Reason)
	}
	return claims, nil
}

// Revocation returns the latest revocation recorded for a flow.
func (s *TokenService) Revocation(ctx context.Context, flowID string) (Revocation, bool, error) {
	rev, ok, err := s.opts.Revocations.Lookup(ctx, flowID)
	if err != nil {
		return Revocation{}, false, fmt.Errorf("look up revocation of %s: %w", flowID, err)
	}
	return rev, ok, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
