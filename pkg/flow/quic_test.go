package flow

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// mtlsConfigs returns one mutual TLS config per common name, all signed
// by the same throwaway CA.
func mtlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, 0, len(names))
	for _, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		configs = append(configs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return configs
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestQUIC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tlsConfs := mtlsConfigs(t, "node1", "node2")
	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ln, err := ListenQUIC("127.0.0.1:0", &QUICConfig{
		TlsConfig:  tlsConfs[0],
		MetricSink: node1Metrics,
		LogHandler: testLogHandler("node1"),
	})
	require.NoError(t, err)
	defer ln.Close()

	dialer, err := NewQUICDialer(&QUICConfig{
		TlsConfig:  tlsConfs[1],
		MetricSink: metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler: testLogHandler("node2"),
	})
	require.NoError(t, err)

	client, err := dialer.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, "node1", client.Peer())

	// the listener only sees the stream once something is written on it
	require.NoError(t, client.Send([]byte("hello")))

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()
	require.Equal(t, "node2", server.Peer())

	t.Run("frames keep their boundaries", func(t *testing.T) {
		inbound := collect(server)
		require.NoError(t, client.Send([]byte{}))
		require.NoError(t, client.Send([]byte{0x00, 0xff}))

		require.Equal(t, "hello", string(receive(t, inbound)))
		require.Empty(t, receive(t, inbound))
		require.Equal(t, []byte{0x00, 0xff}, receive(t, inbound))
	})

	t.Run("the listener side can answer", func(t *testing.T) {
		outbound := collect(client)
		require.NoError(t, server.Send([]byte("world")))
		require.Equal(t, "world", string(receive(t, outbound)))
	})

	t.Run("a config without TLS is refused", func(t *testing.T) {
		_, err := ListenQUIC("127.0.0.1:0", &QUICConfig{})
		require.ErrorIs(t, err, ErrNoTLSConfig)
		_, err = NewQUICDialer(&QUICConfig{})
		require.ErrorIs(t, err, ErrNoTLSConfig)
	})
}

func TestCommonNameResolver(t *testing.T) {
	_, err := CommonNameResolver(nil)
	require.ErrorIs(t, err, ErrIdentity)

	_, err = CommonNameResolver([]*x509.Certificate{{}})
	require.ErrorIs(t, err, ErrIdentity)

	name, err := CommonNameResolver([]*x509.Certificate{{Subject: pkix.Name{CommonName: "node1"}}})
	require.NoError(t, err)
	require.Equal(t, "node1", name)
}
