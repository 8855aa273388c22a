// Package credential resolves provider API keys for the engine. Keys live
// in an auth file managed by the desktop shell; environment variables
// override the file for development setups.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deskagent-ai/deskagent/internal/logging"
)

var (
	// ErrNotFound means no credential is stored for the provider.
	ErrNotFound = errors.New("credential not found")
	// ErrDecrypt means a stored credential exists but could not be decoded.
	ErrDecrypt = errors.New("credential could not be decrypted")
)

// Credential carries what the engine needs to talk to a provider.
type Credential struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseURL,omitempty"`
}

// Resolver looks up the credential for a provider.
type Resolver interface {
	Resolve(provider string) (Credential, error)
}

// SplitModelRef splits a "provider/model" reference. The model part may
// itself contain slashes.
func SplitModelRef(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model reference %q, want provider/model", ref)
	}
	return provider, model, nil
}

// encPrefix marks values the desktop shell stored obfuscated.
const encPrefix = "enc:"

// FileResolver reads credentials from an auth.json file keyed by provider.
// Values prefixed with "enc:" are base64-encoded by the shell before write.
type FileResolver struct {
	path string
	mu   sync.Mutex
}

// NewFileResolver creates a resolver backed by the given auth file.
func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path}
}

// DefaultAuthPath returns the conventional auth file location.
func DefaultAuthPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".deskagent", "auth.json")
	}
	return filepath.Join(home, ".config", "deskagent", "auth.json")
}

// Resolve returns the credential for a provider. Environment variables of
// the form DESKAGENT_<PROVIDER>_API_KEY and _BASE_URL win over the file.
func (r *FileResolver) Resolve(provider string) (Credential, error) {
	envKey := "DESKAGENT_" + strings.ToUpper(provider) + "_API_KEY"
	if key := os.Getenv(envKey); key != "" {
		return Credential{
			APIKey:  key,
			BaseURL: os.Getenv("DESKAGENT_" + strings.ToUpper(provider) + "_BASE_URL"),
		}, nil
	}

	creds, err := r.load()
	if err != nil {
		return Credential{}, err
	}

	cred, ok := creds[provider]
	if !ok {
		return Credential{}, fmt.Errorf("%w: provider %s", ErrNotFound, provider)
	}
	return cred, nil
}

func (r *FileResolver) load() (map[string]Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// No caching across calls: the shell rewrites the file when the user
	// re-authenticates and the next turn must pick that up.
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s missing", ErrNotFound, r.path)
		}
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}

	var raw map[string]struct {
		APIKey  string `json:"apiKey"`
		BaseURL string `json:"baseURL,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed auth file: %v", ErrDecrypt, err)
	}

	creds := make(map[string]Credential, len(raw))
	for provider, entry := range raw {
		key, err := decodeValue(entry.APIKey)
		if err != nil {
			logging.Warn().Str("provider", provider).Msg("skipping undecryptable credential")
			continue
		}
		creds[provider] = Credential{APIKey: key, BaseURL: entry.BaseURL}
	}
	return creds, nil
}

func decodeValue(v string) (string, error) {
	if !strings.HasPrefix(v, encPrefix) {
		return v, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(decoded), nil
}

// Static is a fixed-credential resolver, used in tests and single-provider
// setups.
type Static map[string]Credential

func (s Static) Resolve(provider string) (Credential, error) {
	cred, ok := s[provider]
	if !ok {
		return Credential{}, fmt.Errorf("%w: provider %s", ErrNotFound, provider)
	}
	return cred, nil
}
