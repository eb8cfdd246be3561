package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sirosfoundation/go-secgw/internal/config"
	"github.com/sirosfoundation/go-secgw/internal/globalconf"
	"github.com/sirosfoundation/go-secgw/internal/keystore"
	"github.com/sirosfoundation/go-secgw/internal/proxy"
	"github.com/sirosfoundation/go-secgw/internal/server"
	"github.com/sirosfoundation/go-secgw/internal/storage"
	"github.com/sirosfoundation/go-secgw/pkg/admission"
	"github.com/sirosfoundation/go-secgw/pkg/archive"
	"github.com/sirosfoundation/go-secgw/pkg/ledger"
	"github.com/sirosfoundation/go-secgw/pkg/mime"
	"github.com/sirosfoundation/go-secgw/pkg/security"
	"github.com/sirosfoundation/go-secgw/pkg/timestamp"
	"github.com/sirosfoundation/go-secgw/pkg/transport"
)

const shutdownTimeout = 30 * time.Second

// ledgerApp is the ledger and its store, shared by every command
type ledgerApp struct {
	store  storage.Store
	ledger *ledger.Ledger
}

func (a *ledgerApp) close(ctx context.Context) {
	if err := a.store.Close(ctx); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*ledgerApp, error) {
	store, err := storage.Open(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	l, err := ledger.New(ctx, ledger.Config{
		Store:      store,
		Archive:    archive.NewSearcher(cfg.Archive.Dir),
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &ledgerApp{store: store, ledger: l}, nil
}

// verifyRecent checks the last window records of the chain
func verifyRecent(ctx context.Context, a *ledgerApp, window uint64) error {
	last, err := a.store.LastMessage(ctx)
	if err != nil {
		return fmt.Errorf("reading last record: %w", err)
	}
	if last == nil {
		return nil
	}
	from := uint64(1)
	if last.Number > window {
		from = last.Number - window + 1
	}
	report, err := a.ledger.VerifyChain(ctx, from, last.Number)
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%w: %d mismatched, %d missing in %d..%d",
			errChainBroken, len(report.Mismatched), len(report.Missing), report.From, report.To)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := openLedger(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if cfg.Ledger.VerifyOnStart {
		if err := verifyRecent(ctx, a, cfg.Ledger.VerifyWindow); err != nil {
			return err
		}
		logger.Info("hash chain verified", "window", cfg.Ledger.VerifyWindow)
	}

	trust := globalconf.New(globalconf.Config{
		Dir:              cfg.GlobalConf.Dir,
		DefaultFreshness: cfg.GlobalConf.OCSPFreshness,
		Logger:           logger,
	})
	if err := trust.Init(); err != nil {
		return err
	}
	defer func() { _ = trust.Shutdown() }()
	if cfg.GlobalConf.Watch {
		if err := trust.Watch(ctx); err != nil {
			return fmt.Errorf("watching trust configuration: %w", err)
		}
	}

	ocspVerifier := security.NewVerifier(security.VerifierConfig{Trust: trust, Registerer: reg, Logger: logger})
	httpClient := transport.NewHTTPClient(transport.DefaultHTTPSConfig())

	keys, err := keystore.NewProvider(&cfg.Signing)
	if err != nil {
		return fmt.Errorf("initializing keystore: %w", err)
	}
	defer func() { _ = keys.Close() }()
	if tokens, err := keys.ListTokens(ctx); err != nil {
		logger.Warn("listing signing keys failed", "error", err)
	} else {
		for _, t := range tokens {
			logger.Info("signing key available",
				"key_id", t.KeyID, "algorithm", t.Algorithm, "subject", t.CertificateSubject, "not_after", t.NotAfter)
		}
	}

	pairs, err := ownCertificates(ctx, cfg, keys, trust)
	if err != nil {
		return err
	}
	ocspCache := security.NewResponseCache()
	fetcher := security.NewResponseFetcher(security.FetcherConfig{
		HTTPClient:   httpClient,
		Timeout:      cfg.OCSP.FetchTimeout,
		Interval:     cfg.OCSP.FetchInterval,
		Certificates: func() []security.CertPair { return pairs },
		Logger:       logger,
	}, ocspVerifier, ocspCache)
	fetcher.Start(ctx)
	defer fetcher.Stop()

	deps := server.Deps{
		OCSPCache: ocspCache,
		OCSPStats: ocspVerifier,
		Ledger:    a.ledger,
		Gatherer:  reg,
	}

	if cfg.Timestamper.Enabled {
		ts, err := newTimestamper(cfg, a.ledger, trust, httpClient, reg, logger)
		if err != nil {
			return err
		}
		ts.Start(ctx)
		defer ts.Stop()
		deps.Timestamper = ts
	}

	if cfg.Archive.Enabled {
		am, err := archive.New(archive.Config{
			Store:        a.store,
			Dir:          cfg.Archive.Dir,
			Interval:     cfg.Archive.Interval,
			ArchiveAfter: cfg.Archive.ArchiveAfter,
			PurgeAfter:   cfg.Archive.PurgeAfter,
			MaxFileSize:  cfg.Archive.MaxFileSize,
			Registerer:   reg,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		am.Start(ctx)
		defer am.Stop()
	}

	ctrl, err := newAdmission(cfg, reg, logger)
	if err != nil {
		return err
	}
	deps.Admission = ctrl

	handler, err := proxy.NewHandler(proxy.Config{
		Decoder: mime.NewDecoder(mime.DecoderConfig{
			Cache:       mime.CacheConfig{MemoryThreshold: cfg.Codec.MemoryThreshold, TempDir: cfg.Codec.TempDir},
			MaxPartSize: cfg.Codec.MaxPartSize,
		}),
		Verifier:       security.NewMessageVerifier(trust, ocspVerifier),
		Ledger:         a.ledger,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		Registerer:     reg,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	deps.Proxy = handler

	srv, err := server.New(cfg, deps, logger)
	if err != nil {
		return err
	}
	if _, err := srv.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newTimestamper(cfg *config.Config, l *ledger.Ledger, trust *globalconf.Registry, httpClient *http.Client, reg prometheus.Registerer, logger *slog.Logger) (*timestamp.Timestamper, error) {
	authorities := make([]timestamp.Authority, 0, len(cfg.Timestamper.Authorities))
	for _, a := range cfg.Timestamper.Authorities {
		name := a.Name
		if name == "" {
			name = a.URL
		}
		authorities = append(authorities, timestamp.Authority{Name: name, URL: a.URL})
	}
	client := timestamp.NewClient(timestamp.ClientConfig{
		HTTPClient:          httpClient,
		RequestTimeout:      cfg.Timestamper.RequestTimeout,
		TrustedCertificates: trust.TSACertificates,
	})
	return timestamp.New(timestamp.Config{
		Ledger:      l,
		Source:      client,
		Authorities: authorities,
		Interval:    cfg.Timestamper.Interval,
		MaxBatch:    cfg.Timestamper.MaxBatch,
		Backoff: timestamp.Backoff{
			Initial: cfg.Timestamper.InitialDelay,
			Max:     cfg.Timestamper.MaxDelay,
		},
		AcceptableFailurePeriod: cfg.Timestamper.AcceptableFailurePeriod,
		Registerer:              reg,
		Logger:                  logger,
	})
}

func newAdmission(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*admission.Controller, error) {
	var monitor admission.ResourceMonitor
	if m, err := admission.NewSystemMonitor(); err != nil {
		logger.Warn("resource monitoring unavailable", "error", err)
	} else {
		monitor = m
	}
	// Configured as fractions, monitored as percentages.
	return admission.NewController(admission.Config{
		MaxParallel:        cfg.Admission.MaxParallel,
		QueueSize:          cfg.Admission.QueueSize,
		MinFreeFileHandles: int64(cfg.Admission.MinFreeFileHandles),
		MaxCPULoad:         cfg.Admission.MaxCPULoad * 100,
		MaxHeapUsage:       cfg.Admission.MaxHeapUsage * 100,
		CheckInterval:      cfg.Admission.CheckInterval,
		Monitor:            monitor,
		Registerer:         reg,
		Logger:             logger,
	})
}

// ownCertificates lists the certificates whose OCSP responses the gateway
// serves: the signing chain plus any configured PEM files.
func ownCertificates(ctx context.Context, cfg *config.Config, keys keystore.TokenProvider, trust security.TrustSource) ([]security.CertPair, error) {
	var pairs []security.CertPair
	add := func(chain []*x509.Certificate) {
		if len(chain) == 0 {
			return
		}
		issuer := trust.Issuer(chain[0])
		if issuer == nil && len(chain) > 1 {
			issuer = chain[1]
		}
		if issuer == nil {
			slog.Warn("no issuer for certificate, OCSP response not fetched",
				"subject", chain[0].Subject.String())
			return
		}
		pairs = append(pairs, security.CertPair{Cert: chain[0], Issuer: issuer})
	}

	chain, err := keys.Certificate(ctx, cfg.Signing.KeyID)
	switch {
	case err == nil:
		add(chain)
	case errors.Is(err, keystore.ErrKeyNotFound):
		slog.Warn("signing key not found, serving no OCSP response for it", "key_id", cfg.Signing.KeyID)
	default:
		return nil, fmt.Errorf("reading signing certificate: %w", err)
	}

	for _, path := range cfg.OCSP.Certificates {
		chain, err := readPEMCertificates(path)
		if err != nil {
			return nil, err
		}
		add(chain)
	}
	return pairs, nil
}

func readPEMCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate in %s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return certs, nil
}
