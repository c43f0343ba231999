// Package identity provides stable service identifiers and address
// resolution for group membership.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ServiceID is the stable identifier used inside group snapshots. It is
// the only identity form the group core operates on; address-like
// references must be resolved to a ServiceID first.
type ServiceID uuid.UUID

// NilServiceID is the zero ServiceID.
var NilServiceID = ServiceID(uuid.Nil)

// NewServiceID returns a random ServiceID.
func NewServiceID() ServiceID {
	return ServiceID(uuid.New())
}

// ParseServiceID parses a ServiceID from its canonical string form.
func ParseServiceID(s string) (ServiceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilServiceID, fmt.Errorf("parse service id: %w", err)
	}
	return ServiceID(id), nil
}

// String returns the canonical string form.
func (s ServiceID) String() string {
	return uuid.UUID(s).String()
}

// IsZero reports whether the identifier is unset.
func (s ServiceID) IsZero() bool {
	return s == NilServiceID
}

// MarshalText implements encoding.TextMarshaler.
func (s ServiceID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ServiceID) UnmarshalText(b []byte) error {
	id, err := uuid.ParseBytes(b)
	if err != nil {
		return fmt.Errorf("parse service id: %w", err)
	}
	*s = ServiceID(id)
	return nil
}

// Address is an address-like reference to a user: a phone-number-like
// string, a stable service identifier, or both. Callers may supply
// either form; the group core resolves addresses before touching
// membership lists.
type Address struct {
	Number  string
	Service ServiceID
}

// HasServiceID reports whether the address carries an explicit stable
// identifier.
func (a Address) HasServiceID() bool {
	return !a.Service.IsZero()
}

// String returns a loggable form of the address.
func (a Address) String() string {
	if a.HasServiceID() {
		return a.Service.String()
	}
	return a.Number
}

// ErrUnregistered indicates an address could not be mapped to a
// registered service identifier.
var ErrUnregistered = errors.New("unregistered identity")

// Resolver maps address-like references to stable service identifiers.
// Implementations typically sit on top of a contact or recipient store.
type Resolver interface {
	Resolve(ctx context.Context, addr Address) (ServiceID, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, addr Address) (ServiceID, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, addr Address) (ServiceID, error) {
	return f(ctx, addr)
}
