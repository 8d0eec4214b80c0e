package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/vitalsync/internal/secret"
)

func storedToken(t *testing.T, env *cliEnv) *oauth2.Token {
	t.Helper()

	tok, err := secret.LoadToken(secret.NewFileStore(env.secretsPath()))
	require.NoError(t, err)

	return tok
}

func TestLogin_TokenFile(t *testing.T) {
	env := newCLIEnv(t, "")

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"access_token":"abc","refresh_token":"r1","token_type":"Bearer"}`), 0o600))

	_, err := env.run(t, "login", "--token-file", path)
	require.NoError(t, err)

	tok := storedToken(t, env)
	require.NotNil(t, tok)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)
}

func TestLogin_TokenFromStdin(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.runWithInput(t, strings.NewReader(`{"access_token":"from-stdin"}`), "login", "--token-file", "-")
	require.NoError(t, err)

	tok := storedToken(t, env)
	require.NotNil(t, tok)
	assert.Equal(t, "from-stdin", tok.AccessToken)
}

func TestLogin_AccessTokenFlag(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "login", "--access-token", " static ")
	require.NoError(t, err)

	tok := storedToken(t, env)
	require.NotNil(t, tok)
	assert.Equal(t, "static", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
}

func TestLogin_RejectsEmptyTokenDocument(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.runWithInput(t, strings.NewReader(`{}`), "login", "--token-file", "-")
	require.Error(t, err)
	assert.Nil(t, storedToken(t, env))
}

func TestLogin_RequiresOneSource(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "login")
	require.Error(t, err)

	_, err = env.run(t, "login", "--token-file", "-", "--access-token", "x")
	require.Error(t, err)
}

func TestLogin_RefreshTokenExchange(t *testing.T) {
	var gotForm string

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm = string(body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "r2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	env := newCLIEnv(t, `
[ingest]
token_url = "`+tokenSrv.URL+`"
client_id = "device-app"
`)

	_, err := env.run(t, "login", "--refresh-token", "r1")
	require.NoError(t, err)

	assert.Contains(t, gotForm, "grant_type=refresh_token")
	assert.Contains(t, gotForm, "refresh_token=r1")
	assert.Contains(t, gotForm, "client_id=device-app")

	tok := storedToken(t, env)
	require.NotNil(t, tok)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())
}

func TestLogin_RefreshTokenNeedsTokenURL(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "login", "--refresh-token", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_url")
}

func TestLogout(t *testing.T) {
	env := newCLIEnv(t, "")
	env.login(t)

	_, err := env.run(t, "logout")
	require.NoError(t, err)
	assert.Nil(t, storedToken(t, env))

	_, err = env.run(t, "logout")
	require.NoError(t, err)
}
