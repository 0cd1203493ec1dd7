package riot

import (
	"context"

	"github.com/haukened/ssidrelay/internal/domain"
)

// SessionResolver yields a usable session for a user or an error explaining
// why there is none. diag.Engine satisfies it.
type SessionResolver interface {
	ResolveSession(ctx context.Context, id domain.UserID) (Session, error)
}

// Pipeline fetches a user's storefront with whatever session the resolver
// finds. Resolver failures are returned untouched so callers can present the
// diagnostic classification.
type Pipeline struct {
	Sessions SessionResolver
	Client   *Client
}

// Fetch resolves a session for id and loads its storefront.
func (p *Pipeline) Fetch(ctx context.Context, id domain.UserID) (Storefront, error) {
	sess, err := p.Sessions.ResolveSession(ctx, id)
	if err != nil {
		return Storefront{}, err
	}
	return p.Client.Storefront(ctx, sess)
}
