// Package auth provides the login and ticket validation workers.
//
// Requests on TopicLogin carry username and password fields; a successful
// login issues a ticket held in a process-scoped cache. Requests on
// TopicValidate carry a ticket field and return the ticket's owner.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xrelay"
)

const (
	TopicLogin    = "auth.login"
	TopicValidate = "auth.validate"

	fieldUsername = "username"
	fieldPassword = "password"
	fieldTicket   = "ticket"

	defaultTicketTTL = 12 * time.Hour
)

// Ticket is an issued session credential.
type Ticket struct {
	Value     string    `json:"ticket" msgpack:"ticket"`
	User      User      `json:"user" msgpack:"user"`
	IssuedAt  time.Time `json:"issued_at" msgpack:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
}

type credentials struct {
	Username string `json:"username" msgpack:"username"`
	Password string `json:"password" msgpack:"password"`
	Ticket   string `json:"ticket" msgpack:"ticket"`
}

// Service owns the ticket cache and implements the auth processors.
type Service struct {
	authn   Authenticator
	clock   xclock.Clock
	ttl     time.Duration
	tickets *xrelay.Cache[string, Ticket]
	// latest ticket per user id; a new login revokes the previous one
	sessions *xrelay.Cache[string, string]
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for ticket timestamps and expiry.
func WithClock(c xclock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithTicketTTL sets how long an issued ticket stays valid.
func WithTicketTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// NewService returns a Service checking credentials with authn.
func NewService(authn Authenticator, opts ...Option) *Service {
	s := &Service{
		authn: authn,
		clock: xclock.Default(),
		ttl:   defaultTicketTTL,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.tickets = xrelay.NewCache[string, Ticket](s.ttl, s.clock)
	s.sessions = xrelay.NewCache[string, string](s.ttl, s.clock)
	return s
}

// Login authenticates the envelope's credentials and issues a ticket.
func (s *Service) Login(ctx context.Context, env *xrelay.Envelope) (any, error) {
	creds, err := credentialsOf(ctx, env)
	if err != nil {
		return nil, err
	}
	if creds.Username == "" {
		return nil, xrelay.Missing(fieldUsername)
	}
	if creds.Password == "" {
		return nil, xrelay.Missing(fieldPassword)
	}

	user, err := s.authn.Authenticate(ctx, creds.Username, creds.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return nil, xrelay.Invalid("", "invalid credentials")
	case errors.Is(err, xrelay.ErrAmbiguous):
		return nil, fmt.Errorf("auth: user %q: %w", creds.Username, err)
	case err != nil:
		return nil, fmt.Errorf("auth: authenticate: %w", err)
	}

	now := s.clock.Now()
	t := Ticket{
		Value:     uuid.NewString(),
		User:      user,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if prev, ok := s.sessions.Get(user.ID); ok {
		s.tickets.Invalidate(prev)
	}
	s.tickets.Add(t.Value, t)
	s.sessions.Add(user.ID, t.Value)

	if l, ok := xrelay.LoggerFromContext(ctx); ok {
		l.Debug().Str("user_id", user.ID).Msg("auth: ticket issued")
	}
	return t, nil
}

// Validate resolves the envelope's ticket to its owner.
func (s *Service) Validate(ctx context.Context, env *xrelay.Envelope) (any, error) {
	creds, err := credentialsOf(ctx, env)
	if err != nil {
		return nil, err
	}
	if creds.Ticket == "" {
		return nil, xrelay.Missing(fieldTicket)
	}
	t, ok := s.Lookup(creds.Ticket)
	if !ok {
		return nil, xrelay.Invalid(fieldTicket, "unknown or expired")
	}
	return t.User, nil
}

// Lookup returns an unexpired ticket.
func (s *Service) Lookup(value string) (Ticket, bool) {
	return s.tickets.Get(value)
}

// Revoke drops a ticket.
func (s *Service) Revoke(value string) {
	if t, ok := s.tickets.Get(value); ok {
		s.sessions.Invalidate(t.User.ID)
	}
	s.tickets.Invalidate(value)
}

// RevokeAll drops every issued ticket.
func (s *Service) RevokeAll() {
	s.tickets.InvalidateAll()
	s.sessions.InvalidateAll()
}

// Specs returns the worker specs for both auth topics.
func (s *Service) Specs() []xrelay.WorkerSpec {
	return []xrelay.WorkerSpec{
		{
			Name:     "auth-login",
			Topic:    TopicLogin,
			Required: []string{fieldUsername, fieldPassword},
			New: func() (xrelay.Processor, error) {
				return xrelay.ProcessorFunc(s.Login), nil
			},
		},
		{
			Name:     "auth-validate",
			Topic:    TopicValidate,
			Required: []string{fieldTicket},
			New: func() (xrelay.Processor, error) {
				return xrelay.ProcessorFunc(s.Validate), nil
			},
		},
	}
}

// Register adds the auth workers to reg.
func (s *Service) Register(reg *xrelay.Registry) error {
	for _, spec := range s.Specs() {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func credentialsOf(ctx context.Context, env *xrelay.Envelope) (credentials, error) {
	if env.Payload != nil {
		var c credentials
		c.Username, _ = env.Field(fieldUsername)
		c.Password, _ = env.Field(fieldPassword)
		c.Ticket, _ = env.Field(fieldTicket)
		return c, nil
	}
	c, err := xrelay.Decode[credentials](ctx, env)
	if err != nil {
		if l, ok := xrelay.LoggerFromContext(ctx); ok {
			l.Debug().Err(err).Str("envelope_id", env.ID).Msg("auth: malformed body")
		}
		return c, xrelay.Invalid("", "malformed body")
	}
	return c, nil
}
