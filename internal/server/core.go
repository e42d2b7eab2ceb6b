// ABOUTME: Builds the engine components from configuration and wires them together
// ABOUTME: Shared by the HTTP server and the one-shot reconcile command

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/pairline/internal/audit"
	"github.com/2389/pairline/internal/config"
	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/rateguard"
	"github.com/2389/pairline/internal/reconcile"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/stream"
	"github.com/2389/pairline/internal/telemetry"
	"github.com/2389/pairline/internal/webhook"
)

// Core holds the engine. Every field the HTTP layer reads is an exported
// component so tests can assemble a Core from fakes.
type Core struct {
	Store     store.Store
	Telemetry *telemetry.Provider // nil when metrics are disabled
	Metrics   *telemetry.Metrics
	Audit     *audit.Sink
	Gateway   *gwclient.Client
	Guard     *rateguard.Guard
	Hub       *stream.Hub
	Instances *instance.Service
	Streams   *stream.Controller
	Webhooks  *webhook.Ingestor
	Reconcile *reconcile.Job

	logger *slog.Logger
}

// NewCore opens the store and builds every component from cfg.
func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Core{logger: logger.With("component", "core")}

	if cfg.Metrics.Enabled {
		provider, err := telemetry.NewPrometheusProvider()
		if err != nil {
			return nil, err
		}
		c.Telemetry = provider
		if c.Metrics, err = telemetry.NewMetrics(provider.MeterProvider); err != nil {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.Database.StoreOptions(), logger)
	if err != nil {
		_ = c.Telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	c.Store = st

	gw, err := gwclient.New(gwclient.Options{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Timeout:      cfg.Gateway.Timeout,
		DefaultQRTTL: cfg.Gateway.QRTTL,
		Metrics:      c.Metrics,
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		_ = c.Telemetry.Shutdown(ctx)
		return nil, err
	}
	c.Gateway = gw

	c.Audit = audit.NewSink(st, audit.Options{Logger: logger})
	c.Guard = rateguard.New(rateguard.Options{
		PollFloor:         cfg.RateGuard.PollFloor,
		PollCeiling:       cfg.RateGuard.PollCeiling,
		MaxSessionsPerOrg: cfg.RateGuard.MaxSessionsPerOrg,
		Metrics:           c.Metrics,
		Logger:            logger,
	})
	c.Hub = stream.NewHub(cfg.Stream.ReplayBuffer, c.Metrics, logger)

	c.Instances = instance.NewService(instance.Options{
		Store:     st,
		Gateway:   gw,
		Audit:     c.Audit,
		Publisher: c.Hub,
		Policy: lifecycle.Policy{
			MaxFailures:      cfg.Stream.MaxFailures,
			AutoReinitialize: cfg.Lifecycle.AutoReinitialize,
		},
		WebhookURL:    cfg.WebhookURL(string(store.ChannelWhatsApp)),
		WebhookEvents: cfg.Webhook.Events,
		Metrics:       c.Metrics,
		Logger:        logger,
	})

	c.Streams = stream.NewController(stream.Options{
		Service:     c.Instances,
		Gateway:     gw,
		Guard:       c.Guard,
		Hub:         c.Hub,
		IdleTimeout: cfg.Stream.IdleTimeout,
		MaxWait:     cfg.Stream.MaxWait,
		MaxDenials:  cfg.Stream.MaxDenials,
		Metrics:     c.Metrics,
		Logger:      logger,
	})

	secrets := make(map[store.ChannelType]webhook.Secrets, len(cfg.Webhook.Channels))
	for name, ch := range cfg.Webhook.Channels {
		secrets[store.ChannelType(name)] = webhook.Secrets{Token: ch.Token, SigningSecret: ch.SigningSecret}
	}
	c.Webhooks = webhook.NewIngestor(webhook.Options{
		Service:      c.Instances,
		Secrets:      secrets,
		DedupeTTL:    cfg.Webhook.DedupeTTL,
		DedupeSize:   cfg.Webhook.DedupeSize,
		DedupeBucket: cfg.Webhook.DedupeBucket,
		QRTTL:        cfg.Gateway.QRTTL,
		Metrics:      c.Metrics,
		Logger:       logger,
	})

	c.Reconcile = reconcile.NewJob(reconcile.Config{
		Service:      c.Instances,
		Gateway:      gw,
		OrphanPolicy: reconcile.OrphanPolicy(cfg.Reconcile.OrphanPolicy),
		StaleAfter:   cfg.Reconcile.StaleAfter,
		Concurrency:  cfg.Reconcile.Concurrency,
		Metrics:      c.Metrics,
		Logger:       logger,
	})

	return c, nil
}

// Close stops the watchers, drains the audit queue and closes the store.
func (c *Core) Close(ctx context.Context) error {
	if c.Streams != nil {
		c.Streams.Close()
	}
	if c.Webhooks != nil {
		c.Webhooks.Close()
	}
	if c.Hub != nil {
		c.Hub.Close()
	}
	if c.Audit != nil {
		if err := c.Audit.Flush(ctx); err != nil && c.logger != nil {
			c.logger.Warn("audit flush interrupted", "error", err)
		}
		c.Audit.Close()
		if n := c.Audit.Dropped(); n > 0 && c.logger != nil {
			c.logger.Warn("audit entries dropped", "count", n)
		}
	}

	var errs []error
	if c.Store != nil {
		errs = appendCloseError(errs, "store close", c.Store.Close())
	}
	errs = appendCloseError(errs, "telemetry shutdown", c.Telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
