package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
)

// Capability is one right a session may hold.
type Capability string

const (
	CapRead    Capability = "read"
	CapAdd     Capability = "add"
	CapControl Capability = "control"
	CapAdmin   Capability = "admin"
)

var allCaps = []Capability{CapRead, CapAdd, CapControl, CapAdmin}

// Session is the caller identity attached to a context.
type Session struct {
	Name string
	caps map[Capability]bool
}

func NewSession(name string, caps ...Capability) Session {
	s := Session{Name: name, caps: make(map[Capability]bool, len(caps))}
	for _, c := range caps {
		s.caps[c] = true
	}
	return s
}

// Internal holds every capability, for in-process callers.
var Internal = NewSession("internal", allCaps...)

// Can reports whether s holds c. admin implies everything.
func (s Session) Can(c Capability) bool { return s.caps[c] || s.caps[CapAdmin] }

// ParseCapabilities validates configured capability names.
func ParseCapabilities(names []string) ([]Capability, error) {
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(n)))
		switch c {
		case CapRead, CapAdd, CapControl, CapAdmin:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("unknown capability %q", n)
		}
	}
	return out, nil
}

// SessionFor builds the session of a configured API key.
func SessionFor(key config.APIKey) (Session, error) {
	caps, err := ParseCapabilities(key.Capabilities)
	if err != nil {
		return Session{}, fmt.Errorf("api key %s: %w", key.Name, err)
	}
	return NewSession(key.Name, caps...), nil
}

type sessionKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session on ctx. A context without one has no
// capabilities.
func SessionFrom(ctx context.Context) Session {
	s, _ := ctx.Value(sessionKey{}).(Session)
	return s
}

// authorize is the capability check every operation runs first.
func authorize(ctx context.Context, c Capability) error {
	s := SessionFrom(ctx)
	if s.Can(c) {
		return nil
	}
	name := s.Name
	if name == "" {
		name = "anonymous"
	}
	return &domain.Error{Kind: domain.KindForbidden, Msg: fmt.Sprintf("%s lacks %s", name, c)}
}
