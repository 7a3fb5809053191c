package authorization

import (
	"context"
	"errors"

	"github.com/songzhibin97/dataplane-engine/types"
)

// Errors
var (
	ErrMissingFlowID = errors.New("flow id is required")
	ErrMissingSecret = errors.New("signing secret is required")
	ErrRevoked       = errors.New("credential revoked")
	ErrInvalidToken  = errors.New("invalid credential")
)

// EDR address type and property keys returned to PULL consumers.
const (
	EndpointDataReferenceType = "https://w3id.org/idsa/v4.1/HTTP"

	PropertyID            = "id"
	PropertyEndpoint      = "endpoint"
	PropertyAuthorization = "authorization"
	PropertyAuthType      = "authType"
	PropertyEndpointType  = "endpointType"

	AuthTypeBearer = "bearer"
)

// Service issues and revokes access credentials for PULL flows.
type Service interface {
	// CreateCredential mints a credential for the request and returns the
	// address the consumer pulls from.
	CreateCredential(ctx context.Context, msg types.StartMessage) (*types.DataAddress, error)

	// RevokeCredential invalidates every credential issued for the flow.
	RevokeCredential(ctx context.Context, flowID, reason string) error
}
