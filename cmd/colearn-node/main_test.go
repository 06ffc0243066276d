package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func TestNodeName(t *testing.T) {
	cert := selfSigned(t, "node1")

	t.Run("defaults to the certificate identity", func(t *testing.T) {
		name, err := nodeName("", cert)
		require.NoError(t, err)
		require.Equal(t, "node1", name)
	})

	t.Run("accepts a hostname matching the certificate", func(t *testing.T) {
		name, err := nodeName("node1", cert)
		require.NoError(t, err)
		require.Equal(t, "node1", name)
	})

	t.Run("refuses a hostname the peers would not resolve", func(t *testing.T) {
		_, err := nodeName("node2", cert)
		require.Error(t, err)
	})

	t.Run("refuses a certificate without identity", func(t *testing.T) {
		_, err := nodeName("", selfSigned(t, ""))
		require.Error(t, err)
	})
}
