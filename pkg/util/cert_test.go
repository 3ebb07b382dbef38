package util

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls", "tls.crt")
	keyPath := filepath.Join(dir, "tls", "tls.key")

	generated, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	require.Len(t, generated.Certificate, 1)
	require.NotNil(t, generated.PrivateKey)

	leaf, err := x509.ParseCertificate(generated.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 2)
	assert.True(t, leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.NoError(t, leaf.VerifyHostname("localhost"))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Run("second call loads the stored pair", func(t *testing.T) {
		loaded, err := LoadOrGenerateCert(certPath, keyPath)
		require.NoError(t, err)
		assert.Equal(t, generated.Certificate, loaded.Certificate)
	})

	t.Run("missing key", func(t *testing.T) {
		require.NoError(t, os.Remove(keyPath))
		_, err := LoadOrGenerateCert(certPath, keyPath)
		assert.ErrorContains(t, err, "incomplete key pair")
	})

	t.Run("corrupt pair", func(t *testing.T) {
		require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))
		_, err := LoadOrGenerateCert(certPath, keyPath)
		assert.ErrorContains(t, err, "loading key pair")
	})
}

func TestLoadOrGenerateCertHosts(t *testing.T) {
	dir := t.TempDir()
	cert, err := LoadOrGenerateCert(filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem"), "gw.internal", "10.0.0.7")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "gw.internal", leaf.Subject.CommonName)
	assert.Equal(t, []string{"gw.internal"}, leaf.DNSNames)
	assert.NoError(t, leaf.VerifyHostname("10.0.0.7"))
	assert.Error(t, leaf.VerifyHostname("localhost"))
}
