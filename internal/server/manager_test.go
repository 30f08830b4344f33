package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ServerConfig{
		HTTPPort:     9000,
		ReadTimeout:  5 * time.Second,
		TLSCertFile:  "cert.pem",
		TLSKeyFile:   "key.pem",
		WriteTimeout: 0,
	})
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.True(t, cfg.TLSEnabled())
	assert.False(t, DefaultConfig().TLSEnabled())
}

func TestHardenedTLSConfig(t *testing.T) {
	cfg := HardenedTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
}

func TestManager_StartAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(okHandler(), cfg, zap.NewNop())
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(), "double start")

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Error(t, m.Start())
}

func TestManager_StartPortInUse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	first := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	cfg.Addr = first.Addr()
	second := NewManager(okHandler(), cfg, zap.NewNop())
	assert.ErrorContains(t, second.Start(), "failed to listen")
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(okHandler(), cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.IsRunning, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestManager_TLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TLSCertFile = certFile
	cfg.TLSKeyFile = keyFile

	m := NewManager(okHandler(), cfg, zap.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MaxVersion: tls.VersionTLS11}, //nolint:gosec
	}}
	_, err := client.Get("https://" + m.Addr() + "/")
	assert.Error(t, err, "TLS 1.1 must be refused")

	client = &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}}
	resp, err := client.Get("https://" + m.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
