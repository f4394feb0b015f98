package common

import (
	"context"

	"github.com/zigazaga4/emailer/internal/models"
)

// Adapter is the transport capability used by the dispatch engine. Adapters
// convert a rendered message into a provider payload and return a normalized
// ProviderResponse alongside error classification.
type Adapter interface {
	Send(ctx context.Context, msg *models.Message) (*ProviderResponse, error)
}
