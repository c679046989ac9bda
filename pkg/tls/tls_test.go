package tls

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCertGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "certs", "server.crt")
	key := filepath.Join(dir, "certs", "server.key")

	require.NoError(t, EnsureCert(cert, key, "genflowd", []string{"10.0.0.5", "api.internal"}, nil))
	first, err := ServerConfig(cert, key, "", false)
	require.NoError(t, err)

	require.NoError(t, EnsureCert(cert, key, "genflowd", nil, nil))
	second, err := ServerConfig(cert, key, "", false)
	require.NoError(t, err)
	assert.Equal(t, first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0])
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	serverCert := filepath.Join(dir, "server.crt")
	serverKey := filepath.Join(dir, "server.key")
	clientCert := filepath.Join(dir, "client.crt")
	clientKey := filepath.Join(dir, "client.key")
	require.NoError(t, GenerateSelfSignedCert(serverCert, serverKey, "genflowd"))
	require.NoError(t, GenerateSelfSignedCert(clientCert, clientKey, "genctl"))

	serverCfg, err := ServerConfig(serverCert, serverKey, clientCert, true)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.TLS.PeerCertificates[0].Subject.CommonName)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(clientCert, clientKey, serverCert)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "genctl", string(body))

	anonCfg, err := ClientConfig("", "", serverCert)
	require.NoError(t, err)
	anon := &http.Client{Transport: &http.Transport{TLSClientConfig: anonCfg}}
	_, err = anon.Get(srv.URL)
	assert.Error(t, err)
}

func TestServerConfigRequiresCA(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "s.crt")
	key := filepath.Join(dir, "s.key")
	require.NoError(t, GenerateSelfSignedCert(cert, key, "genflowd"))

	_, err := ServerConfig(cert, key, "", true)
	assert.Error(t, err)
	_, err = ClientConfig("", "", filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}
