package credential

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAuthFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSplitModelRef(t *testing.T) {
	provider, model, err := SplitModelRef("anthropic/claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet", model)

	provider, model, err = SplitModelRef("openrouter/meta/llama-3")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", provider)
	assert.Equal(t, "meta/llama-3", model)

	_, _, err = SplitModelRef("claude-sonnet")
	assert.Error(t, err)
	_, _, err = SplitModelRef("anthropic/")
	assert.Error(t, err)
}

func TestResolvePlainValue(t *testing.T) {
	path := writeAuthFile(t, `{"anthropic": {"apiKey": "sk-plain", "baseURL": "https://proxy.local"}}`)
	r := NewFileResolver(path)

	cred, err := r.Resolve("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", cred.APIKey)
	assert.Equal(t, "https://proxy.local", cred.BaseURL)
}

func TestResolveEncodedValue(t *testing.T) {
	encoded := "enc:" + base64.StdEncoding.EncodeToString([]byte("sk-secret"))
	path := writeAuthFile(t, `{"anthropic": {"apiKey": "`+encoded+`"}}`)
	r := NewFileResolver(path)

	cred, err := r.Resolve("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cred.APIKey)
}

func TestResolveUndecodableValueSkipped(t *testing.T) {
	path := writeAuthFile(t, `{"anthropic": {"apiKey": "enc:!!not-base64!!"}}`)
	r := NewFileResolver(path)

	_, err := r.Resolve("anthropic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveUnknownProvider(t *testing.T) {
	path := writeAuthFile(t, `{"anthropic": {"apiKey": "sk-plain"}}`)
	r := NewFileResolver(path)

	_, err := r.Resolve("openai")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMissingFile(t *testing.T) {
	r := NewFileResolver(filepath.Join(t.TempDir(), "nope.json"))
	_, err := r.Resolve("anthropic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMalformedFile(t *testing.T) {
	path := writeAuthFile(t, `not json`)
	r := NewFileResolver(path)

	_, err := r.Resolve("anthropic")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DESKAGENT_ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("DESKAGENT_ANTHROPIC_BASE_URL", "https://env.local")

	r := NewFileResolver(filepath.Join(t.TempDir(), "absent.json"))
	cred, err := r.Resolve("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cred.APIKey)
	assert.Equal(t, "https://env.local", cred.BaseURL)
}

func TestStaticResolver(t *testing.T) {
	r := Static{"anthropic": {APIKey: "sk-static"}}

	cred, err := r.Resolve("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-static", cred.APIKey)

	_, err = r.Resolve("openai")
	assert.ErrorIs(t, err, ErrNotFound)
}
