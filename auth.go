package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/vitalsync/internal/config"
	"github.com/tonimelisma/vitalsync/internal/secret"
)

// maxTokenInput bounds a token document read from a file or stdin.
const maxTokenInput = 64 << 10

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store credentials for the ingestion service",
		Long: `Store the OAuth token used to authenticate uploads.

Pass a token document (JSON with access_token, refresh_token, expiry) with
--token-file, or "-" to read it from stdin. Alternatively pass
--refresh-token alone: when [ingest] token_url is configured the refresh
token is exchanged immediately to verify it.

Examples:
  vitalsync login --token-file token.json
  provision-device | vitalsync login --token-file -
  vitalsync login --refresh-token "$REFRESH"`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("token-file", "", `token JSON file, or "-" for stdin`)
	cmd.Flags().String("access-token", "", "static access token")
	cmd.Flags().String("refresh-token", "", "refresh token")
	cmd.MarkFlagsOneRequired("token-file", "access-token", "refresh-token")
	cmd.MarkFlagsMutuallyExclusive("token-file", "access-token")
	cmd.MarkFlagsMutuallyExclusive("token-file", "refresh-token")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	tok, err := tokenFromFlags(cmd, cmd.InOrStdin())
	if err != nil {
		return err
	}

	if tok.AccessToken == "" {
		tok, err = exchangeRefreshToken(cmd.Context(), cc.Cfg, tok, logger)
		if err != nil {
			return err
		}
	}

	if err := secret.SaveToken(secret.NewFileStore(cc.Cfg.SecretsPath()), tok); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	logger.Info("login successful",
		slog.Bool("refreshable", tok.RefreshToken != ""),
		slog.Time("expiry", tok.Expiry),
	)
	cc.Statusf("Login successful. Credentials stored in %s\n", cc.Cfg.SecretsPath())

	return nil
}

// tokenFromFlags assembles the token described by login's flags.
func tokenFromFlags(cmd *cobra.Command, stdin io.Reader) (*oauth2.Token, error) {
	path, err := cmd.Flags().GetString("token-file")
	if err != nil {
		return nil, err
	}

	if path != "" {
		return readTokenFile(path, stdin)
	}

	access, err := cmd.Flags().GetString("access-token")
	if err != nil {
		return nil, err
	}

	refresh, err := cmd.Flags().GetString("refresh-token")
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  strings.TrimSpace(access),
		RefreshToken: strings.TrimSpace(refresh),
		TokenType:    "Bearer",
	}

	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("--access-token or --refresh-token must not be empty")
	}

	return tok, nil
}

func readTokenFile(path string, stdin io.Reader) (*oauth2.Token, error) {
	r := stdin

	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening token file: %w", err)
		}
		defer f.Close()

		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxTokenInput))
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token JSON: %w", err)
	}

	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token has neither access_token nor refresh_token")
	}

	return &tok, nil
}

// exchangeRefreshToken trades a bare refresh token for a full token.
func exchangeRefreshToken(ctx context.Context, cfg *config.Config, tok *oauth2.Token, logger *slog.Logger) (*oauth2.Token, error) {
	if cfg.Ingest.TokenURL == "" {
		return nil, errors.New("a refresh token alone needs [ingest] token_url to be configured")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Ingest.TimeoutDuration())
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, defaultHTTPClient(cfg))

	oc := &oauth2.Config{
		ClientID: cfg.Ingest.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cfg.Ingest.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}

	logger.Debug("exchanging refresh token", slog.String("token_url", cfg.Ingest.TokenURL))

	fresh, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return nil, fmt.Errorf("exchanging refresh token: %w", err)
	}

	return fresh, nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	store := secret.NewFileStore(cc.Cfg.SecretsPath())

	tok, err := secret.LoadToken(store)
	if err != nil {
		return err
	}

	if tok == nil {
		cc.Statusf("Not logged in.\n")
		return nil
	}

	if err := store.Delete(secret.TokenKey); err != nil {
		return fmt.Errorf("removing token: %w", err)
	}

	cc.Logger.Info("logout successful")
	cc.Statusf("Logged out.\n")

	return nil
}
