// Package testutil provides shared environment helpers for the E2E tests,
// which drive the built binary against a live ingestion service. It depends
// only on stdlib so the black-box tests stay independent of internal/.
package testutil

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// AllowedEndpointsEnv lists the ingestion base URLs E2E tests may write to.
const AllowedEndpointsEnv = "VITALSYNC_ALLOWED_TEST_ENDPOINTS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist exits the process unless the base URL in endpointEnvVar
// is listed in VITALSYNC_ALLOWED_TEST_ENDPOINTS. E2E tests upload records,
// so they must never point at a production service by accident.
func ValidateAllowlist(endpointEnvVar string) string {
	allowlist := os.Getenv(AllowedEndpointsEnv)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", AllowedEndpointsEnv)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=https://ingest.staging.example.com\n", AllowedEndpointsEnv)
		os.Exit(1)
	}

	endpoint := strings.TrimRight(os.Getenv(endpointEnvVar), "/")
	if endpoint == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", endpointEnvVar)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimRight(strings.TrimSpace(a), "/") == endpoint {
			return endpoint
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n",
		endpointEnvVar, endpoint, AllowedEndpointsEnv, allowlist)
	os.Exit(1)

	return ""
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ relative to the module root.
// Exits if the directory does not exist.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL: .testdata/ directory not found at "+dir)
		fmt.Fprintln(os.Stderr, "Save a token document for the test endpoint there first.")
		os.Exit(1)
	}

	return dir
}

// TokenFileName returns the token filename for an ingestion endpoint, e.g.
// token_ingest.staging.example.com.json.
func TokenFileName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		fmt.Fprintf(os.Stderr, "FATAL: cannot parse endpoint %q for token filename\n", endpoint)
		os.Exit(1)
	}

	return "token_" + u.Host + ".json"
}
