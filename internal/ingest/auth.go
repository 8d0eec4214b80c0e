package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/vitalsync/internal/secret"
)

// ErrNoToken means no credentials have been stored for the ingestion service.
var ErrNoToken = errors.New("ingest: no stored token (run the session bootstrap first)")

// StaticToken is a TokenSource returning a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// storedTokenSource adapts an oauth2.TokenSource, persisting refreshed tokens
// back to the secret store so a restart does not force a new session.
type storedTokenSource struct {
	src    oauth2.TokenSource
	store  secret.Store
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

// NewTokenSource loads the stored OAuth token and returns a TokenSource that
// refreshes it against tokenURL when it expires. With an empty tokenURL the
// stored access token is used as-is.
func NewTokenSource(ctx context.Context, store secret.Store, tokenURL, clientID string, logger *slog.Logger) (TokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tok, err := secret.LoadToken(store)
	if err != nil {
		return nil, fmt.Errorf("ingest: loading token: %w", err)
	}

	if tok == nil {
		return nil, ErrNoToken
	}

	var src oauth2.TokenSource
	if tokenURL == "" {
		src = oauth2.StaticTokenSource(tok)
	} else {
		cfg := &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		}
		src = cfg.TokenSource(ctx, tok)
	}

	return &storedTokenSource{
		src:    oauth2.ReuseTokenSource(tok, src),
		store:  store,
		logger: logger,
		last:   tok.AccessToken,
	}, nil
}

func (s *storedTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("ingest: refreshing token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.AccessToken != s.last {
		if saveErr := secret.SaveToken(s.store, tok); saveErr != nil {
			s.logger.Warn("failed to persist refreshed token", slog.String("error", saveErr.Error()))
		} else {
			s.logger.Debug("persisted refreshed token")
		}

		s.last = tok.AccessToken
	}

	return tok.AccessToken, nil
}
