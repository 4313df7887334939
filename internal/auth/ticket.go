package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rlanyon/farmhub/internal/infrastructure/config"
)

// ErrTicketInvalid is returned when a ticket fails signature or expiry
// validation.
var ErrTicketInvalid = errors.New("invalid or expired ticket")

// ticketAudience distinguishes WebSocket tickets from any other token
// signed with the same secret.
const ticketAudience = "farmhub-ws"

// defaultTTLMinutes applies when the configured TTL is missing or zero.
const defaultTTLMinutes = 5

// TicketClaims are the JWT claims carried by a WebSocket ticket.
type TicketClaims struct {
	jwt.RegisteredClaims
	Client string `json:"client,omitempty"`
}

// TicketIssuer creates and validates WebSocket tickets with a shared
// HS256 secret.
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTicketIssuer creates a ticket issuer from configuration.
func NewTicketIssuer(cfg config.TicketConfig) *TicketIssuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTLMinutes
	}
	return &TicketIssuer{
		secret: []byte(cfg.Secret),
		ttl:    time.Duration(ttl) * time.Minute,
	}
}

// Issue creates a signed ticket naming the requesting client.
func (i *TicketIssuer) Issue(client string) (string, error) {
	now := time.Now()
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{ticketAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
		Client: client,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing ticket: %w", err)
	}
	return signed, nil
}

// Validate checks a ticket's signature, expiry, and audience, returning
// its claims.
func (i *TicketIssuer) Validate(ticket string) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(_ *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(ticketAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTicketInvalid, err)
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, ErrTicketInvalid
	}
	return claims, nil
}
