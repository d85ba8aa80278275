package gtbx

import (
	"fmt"

	"github.com/google/uuid"
)

// Resolver extracts the identity and the classification label of an
// incoming message.
type Resolver interface {
	Resolve(m *IncomingMessage) (id uuid.UUID, name string, err error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(m *IncomingMessage) (uuid.UUID, string, error)

func (f ResolverFunc) Resolve(m *IncomingMessage) (uuid.UUID, string, error) {
	return f(m)
}

// HeaderResolver reads the identity from message headers. Zero values use
// HeaderMessageID and HeaderMessageName.
type HeaderResolver struct {
	IdHeader   string
	NameHeader string
}

var _ Resolver = (*HeaderResolver)(nil)

func (r *HeaderResolver) Resolve(m *IncomingMessage) (uuid.UUID, string, error) {
	if m == nil {
		return uuid.Nil, "", ErrNilMessage
	}
	idHeader, nameHeader := r.IdHeader, r.NameHeader
	if idHeader == "" {
		idHeader = HeaderMessageID
	}
	if nameHeader == "" {
		nameHeader = HeaderMessageName
	}

	raw, ok := m.Headers.Get(idHeader)
	if !ok || raw == "" {
		return uuid.Nil, "", ErrMessageIDRequired
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %q", ErrInvalidMessageID, raw)
	}
	name, ok := m.Headers.Get(nameHeader)
	if !ok || name == "" {
		return uuid.Nil, "", ErrMessageNameRequired
	}
	return id, name, nil
}
