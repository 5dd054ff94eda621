package crypto

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestHMACHeadersDeterministic(t *testing.T) {
	h := NewHMACAuth("key-1", "s3cret")
	a := h.HeadersAt("POST", "/api/v1/orders", `{"x":1}`, 1700000000000)
	b := h.HeadersAt("POST", "/api/v1/orders", `{"x":1}`, 1700000000000)
	require.Equal(t, a, b)
	require.Equal(t, "key-1", a[HeaderAPIKey])
	require.Equal(t, "1700000000000", a[HeaderTimestamp])

	c := h.HeadersAt("POST", "/api/v1/orders", `{"x":2}`, 1700000000000)
	require.NotEqual(t, a[HeaderSignature], c[HeaderSignature])
}

func TestHMACSignVerify(t *testing.T) {
	h := NewHMACAuth("key-1", "s3cret")
	fixed := time.UnixMilli(1700000000000)
	h.now = func() time.Time { return fixed }

	req := httptest.NewRequest("GET", "/api/v1/orders/open?symbol=BTC%2FUSDT", nil)
	h.Sign(req, nil)

	require.Equal(t, "1700000000000", req.Header.Get(HeaderTimestamp))
	require.True(t, h.Verify("GET", "/api/v1/orders/open?symbol=BTC%2FUSDT", "",
		req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature)))
	require.False(t, h.Verify("GET", "/api/v1/orders/open", "",
		req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature)))
}

func TestHMACStringRedacts(t *testing.T) {
	h := NewHMACAuth("abcdefgh", "topsecretvalue")
	require.NotContains(t, h.String(), "topsecretvalue")
	require.Contains(t, h.String(), "abcd****")
}

func TestEncryptDecryptSecret(t *testing.T) {
	data, err := EncryptSecret("venue-api-secret", "hunter2")
	require.NoError(t, err)
	require.NotContains(t, string(data), "venue-api-secret")

	got, err := DecryptSecret(data, "hunter2")
	require.NoError(t, err)
	require.Equal(t, "venue-api-secret", got)

	_, err = DecryptSecret(data, "wrong")
	require.Error(t, err)
}

func TestEncryptSecretRejectsEmpty(t *testing.T) {
	_, err := EncryptSecret("x", "")
	require.Error(t, err)
	_, err = EncryptSecret("", "pw")
	require.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: " raw "})
	require.NoError(t, err)
	require.Equal(t, "raw", got)

	data, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "from-file", got)

	_, err = LoadSecret(SecretConfig{})
	require.Error(t, err)
}

func TestDecryptSecretRejectsTampering(t *testing.T) {
	data, err := EncryptSecret("venue-api-secret", "pw")
	require.NoError(t, err)

	var s sealedSecret
	require.NoError(t, json.Unmarshal(data, &s))
	require.Equal(t, defaultIterations, s.Iterations)

	weak := s
	weak.Iterations = 1000
	raw, err := json.Marshal(weak)
	require.NoError(t, err)
	_, err = DecryptSecret(raw, "pw")
	require.ErrorContains(t, err, "below the minimum")

	flipped := s
	ct := []byte(flipped.Ciphertext)
	if ct[0] == 'A' {
		ct[0] = 'B'
	} else {
		ct[0] = 'A'
	}
	flipped.Ciphertext = string(ct)
	raw, err = json.Marshal(flipped)
	require.NoError(t, err)
	_, err = DecryptSecret(raw, "pw")
	require.ErrorContains(t, err, "wrong password or corrupted file")
}
