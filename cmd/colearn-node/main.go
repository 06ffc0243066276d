package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	metricsprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/raskyld/colearn"
	"github.com/raskyld/colearn/pkg/broadcast"
	"github.com/raskyld/colearn/pkg/flow"
	"github.com/raskyld/colearn/pkg/store"
)

var (
	Hostname   = flag.String("hostname", "", "node name to advertise, defaults to the common name of the tls cert")
	BindAddr   = flag.String("bind", "127.0.0.1", "address to bind")
	Port       = flag.Int("port", 6174, "gossip port")
	QUICPort   = flag.Int("quic-port", 6175, "port of the update RPC service")
	Neighbours = flag.String("neighbours", "", "comma-separated list of neighbours")
	Gossip     = flag.String("gossip", "memberlist", "broadcast layer: memberlist or serf")

	Proportion = flag.Float64("proportion", 1.0, "broadcast proportion in [0, 1]")
	Workers    = flag.Int("workers", 5, "number of unicast workers")
	RateLimit  = flag.Float64("rate", 0, "max broadcasts per second, 0 is unlimited")

	MetricsAddr = flag.String("metrics", "", "serve prometheus metrics on this address")
	Verbose     = flag.Bool("verbose", false, "enable debug logs")

	TlsCert = flag.String("tls-cert", "", "node cert to use")
	TlsKey  = flag.String("tls-key", "", "node private key to use")
	TlsCA   = flag.String("tls-ca", "", "ca to verify neighbours")
)

// gossipEndpoint is what the node needs from a broadcast layer.
type gossipEndpoint interface {
	broadcast.Endpoint
	Join() error
	Members() []string
	Close() error
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *Verbose {
		level = slog.LevelDebug
	}
	logHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logHandler))

	tlsConf, err := loadTlsConfig()
	if err != nil {
		slog.Error("failed to load tls creds", "error", err)
		os.Exit(1)
	}

	var sink metrics.MetricSink = &metrics.BlackholeSink{}
	if *MetricsAddr != "" {
		promSink, err := metricsprom.NewPrometheusSink()
		if err != nil {
			slog.Error("failed to create prometheus sink", "error", err)
			os.Exit(1)
		}
		sink = promSink
		go serveMetrics(*MetricsAddr)
	}

	// peers record our updates under the gossip node name or the TLS
	// identity depending on the path they took, both must be the same
	name, err := nodeName(*Hostname, tlsConf.Certificates[0])
	if err != nil {
		slog.Error("invalid node name", "error", err)
		os.Exit(1)
	}

	endpoint, err := createEndpoint(name, logHandler, sink)
	if err != nil {
		slog.Error("failed to create broadcast endpoint", "error", err)
		os.Exit(2)
	}

	if err := endpoint.Join(); err != nil {
		slog.Error("failed to join cluster", "error", err)
		os.Exit(3)
	}

	quicConf := &flow.QUICConfig{
		TlsConfig:  tlsConf,
		LogHandler: logHandler,
		MetricSink: sink,
	}
	ln, err := flow.ListenQUIC(net.JoinHostPort(*BindAddr, strconv.Itoa(*QUICPort)), quicConf)
	if err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(4)
	}
	dialer, err := flow.NewQUICDialer(quicConf)
	if err != nil {
		slog.Error("failed to create dialer", "error", err)
		os.Exit(4)
	}

	opts := []colearn.Option{
		colearn.WithLog(logHandler),
		colearn.WithMetricSink(sink),
		colearn.WithWorkers(*Workers),
		colearn.WithBroadcastProportion(*Proportion),
	}
	if *RateLimit > 0 {
		opts = append(opts, colearn.WithBroadcastRate(rate.Limit(*RateLimit), 1))
	}

	st := store.New(store.WithMetricSink(sink))
	networker, err := colearn.New(endpoint, dialer, st, opts...)
	if err != nil {
		slog.Error("failed to create networker", "error", err)
		os.Exit(5)
	}

	go func() {
		if err := networker.Serve(ln); err != nil && !errors.Is(err, colearn.ErrNetworkerClosed) {
			slog.Error("stopped serving updates", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-sigCh
		slog.Info("terminating...")
		cancel(errors.New("user requested shutdown"))
	}()

	slog.Info("node ready", "name", networker.Address(), "rpc_addr", ln.Addr())
	go readCommands(ctx, networker, endpoint)

	<-ctx.Done()

	if err := networker.Close(); err != nil {
		slog.Warn("networker did not close cleanly", "error", err)
	}
	if err := ln.Close(); err != nil {
		slog.Warn("listener did not close cleanly", "error", err)
	}
	if err := endpoint.Close(); err != nil {
		slog.Warn("endpoint did not close cleanly", "error", err)
	}
}

func createEndpoint(name string, logHandler slog.Handler, sink metrics.MetricSink) (gossipEndpoint, error) {
	opts := []broadcast.Option{
		broadcast.WithNodeName(name),
		broadcast.WithListenOn(*BindAddr, *Port),
		broadcast.WithLog(logHandler),
		broadcast.WithMetricSink(sink),
	}
	if *Neighbours != "" {
		opts = append(opts, broadcast.WithNeighbours(strings.Split(*Neighbours, ",")))
	}

	switch *Gossip {
	case "memberlist":
		return broadcast.NewMemberlist(opts...)
	case "serf":
		return broadcast.NewSerf(opts...)
	default:
		return nil, fmt.Errorf("unknown gossip layer %q", *Gossip)
	}
}

// readCommands reads one command per line on stdin:
//
//	push <type> <payload>
//	send <addr>[,<addr>...] <type> <payload>
//	get <type>
//	members
func readCommands(ctx context.Context, n *colearn.Networker, endpoint gossipEndpoint) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 4)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}

		var err error
		switch {
		case fields[0] == "push" && len(fields) >= 3:
			err = n.PushUpdate(ctx, fields[1], []byte(strings.Join(fields[2:], " ")))
		case fields[0] == "send" && len(fields) == 4:
			err = n.PushUpdateTo(fields[2], []byte(fields[3]), strings.Split(fields[1], ","))
		case fields[0] == "get" && len(fields) == 2:
			var upd *store.Update
			upd, err = n.GetUpdate(colearn.AlgorithmDefault, fields[1], nil)
			if err == nil {
				fmt.Printf("%s from %s at %s: %s\n",
					upd.Type, upd.Source, upd.ReceivedAt.Format(time.RFC3339), upd.Payload)
			}
		case fields[0] == "members":
			fmt.Println(strings.Join(endpoint.Members(), "\n"))
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			slog.Error("command failed", "command", fields[0], "error", err)
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "error", err)
	}
}

// nodeName returns the name to gossip under, which must be the identity
// the QUIC transport resolves from cert.
func nodeName(hostname string, cert tls.Certificate) (string, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return "", errors.New("no certificate")
		}
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return "", fmt.Errorf("failed to parse node cert: %w", err)
		}
	}

	identity, err := flow.CommonNameResolver([]*x509.Certificate{leaf})
	if err != nil {
		return "", err
	}
	if hostname == "" {
		return identity, nil
	}
	if hostname != identity {
		return "", fmt.Errorf("hostname %q does not match the certificate identity %q", hostname, identity)
	}
	return hostname, nil
}

func loadTlsConfig() (*tls.Config, error) {
	if *TlsCA == "" || *TlsCert == "" || *TlsKey == "" {
		return nil, errors.New("all tls option must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(*TlsCert, *TlsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load node cert: %w", err)
	}

	caBytes, err := os.ReadFile(*TlsCA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
