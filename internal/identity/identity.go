// Package identity tracks the signed-in user for the sync daemon.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/ambleapp/amble/internal/setup/config"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrSecretTooShort = errors.New("identity secret must be at least 16 bytes")
	ErrMissingSubject = errors.New("identity token has no subject")
)

// Provider validates identity tokens and holds the current user.
// Tokens are minted by the account backend; this side only verifies them.
type Provider struct {
	secret []byte
	issuer string
	logger *zap.Logger

	mu       sync.RWMutex
	userID   string
	watchers map[int]chan string
	nextID   int
}

// NewProvider creates a new Provider from the identity configuration.
func NewProvider(cfg *config.Identity, logger *zap.Logger) (*Provider, error) {
	if len(cfg.Secret) < 16 {
		return nil, ErrSecretTooShort
	}

	return &Provider{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		logger:   logger.Named("identity"),
		watchers: make(map[int]chan string),
	}, nil
}

// Verify validates the given token and returns its subject without
// changing the current user.
func (p *Provider) Verify(token string) (string, error) {
	userID, err := p.validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperror.ErrPermissionDenied, err)
	}

	return userID, nil
}

// SignIn validates the given token and makes its subject the current user.
// Returns the user ID carried in the token.
func (p *Provider) SignIn(token string) (string, error) {
	userID, err := p.Verify(token)
	if err != nil {
		return "", err
	}

	p.setUser(userID)
	p.logger.Info("User signed in", zap.String("user_id", userID))

	return userID, nil
}

// SignOut clears the current user.
func (p *Provider) SignOut() {
	p.setUser("")
	p.logger.Info("User signed out")
}

// Current returns the signed-in user ID, empty when signed out.
func (p *Provider) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.userID
}

// Watch streams the current user ID. The channel carries the state at
// subscribe time followed by every change until the context is canceled.
func (p *Provider) Watch(ctx context.Context) <-chan string {
	out := make(chan string, 1)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = out
	out <- p.userID
	p.mu.Unlock()

	go func() {
		<-ctx.Done()

		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()

		close(out)
	}()

	return out
}

// validate parses and verifies a token, returning its subject.
func (p *Provider) validate(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	parsed, err := jwt.ParseWithClaims(
		token,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}

			return p.secret, nil
		},
		opts...,
	)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrMissingSubject
	}

	return claims.Subject, nil
}

// setUser swaps the current user and notifies watchers on change.
func (p *Provider) setUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.userID == userID {
		return
	}

	p.userID = userID

	for _, ch := range p.watchers {
		// Displace a stale update so the latest state always lands.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- userID:
		default:
		}
	}
}
