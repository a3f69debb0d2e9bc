package core

import (
	"context"
	"fmt"
)

// ContactLookup fetches one actor kind's contact by id. It returns ErrNotFound
// when the id does not resolve.
type ContactLookup func(ctx context.Context, id string) (Contact, error)

// ContactResolver resolves polymorphic actor references through a
// kind-indexed lookup table.
type ContactResolver struct {
	lookups map[ActorKind]ContactLookup
}

func NewContactResolver(lookups map[ActorKind]ContactLookup) *ContactResolver {
	return &ContactResolver{lookups: lookups}
}

func (r *ContactResolver) Resolve(ctx context.Context, ref ActorRef) (Contact, error) {
	lookup, ok := r.lookups[ref.Kind]
	if !ok {
		return Contact{}, fmt.Errorf("%w: unknown actor kind %q", ErrValidation, ref.Kind)
	}
	c, err := lookup(ctx, ref.ID)
	if err != nil {
		return Contact{}, fmt.Errorf("resolve %s %s: %w", ref.Kind, ref.ID, err)
	}
	return c, nil
}
