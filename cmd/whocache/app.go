package main

import (
	"context"
	"fmt"

	"golang.org/x/net/proxy"

	"github.com/benithors/whocache/internal/batch"
	"github.com/benithors/whocache/internal/domain"
	"github.com/benithors/whocache/internal/lookup"
	"github.com/benithors/whocache/internal/store"
	"github.com/benithors/whocache/internal/tor"
	"github.com/benithors/whocache/internal/whois"
)

type app struct {
	store  store.Store
	runner *batch.Runner
}

func (a *app) Close() error { return a.store.Close() }

func (cfg *cliConfig) openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.env.Cache)
	if err != nil {
		return nil, err
	}
	cfg.log.Debug().Str("cache", cfg.env.Cache).Msg("cache opened")
	return st, nil
}

func (cfg *cliConfig) rotator() lookup.Rotator {
	if cfg.env.Tor.Direct {
		return tor.Direct{}
	}
	return tor.NewController(tor.ControllerOptions{
		Addr:     cfg.env.Tor.ControlAddr,
		Password: cfg.env.Tor.ControlPassword,
		Timeout:  cfg.env.Tor.ControlTimeout,
		Logger:   cfg.log,
	})
}

func (cfg *cliConfig) normalizer() *domain.Normalizer {
	return domain.NewNormalizer(domain.NormalizerOptions{Strict: cfg.StrictIP})
}

// newApp wires store, executor, resolver, facade and batch runner.
func (cfg *cliConfig) newApp(ctx context.Context, label func(int) string) (*app, error) {
	var dialer proxy.ContextDialer
	if !cfg.env.Tor.Direct {
		d, err := tor.NewDialer(cfg.env.Tor.SOCKSAddr)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	st, err := cfg.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	markers := cfg.env.Whois.RateLimitMarkers
	client := whois.NewClient(whois.Options{
		Dialer:            dialer,
		Timeout:           cfg.env.Whois.Timeout,
		Logger:            cfg.log,
		Server:            cfg.env.Whois.Server,
		RateLimitMarkers:  markers,
		MinDelayPerServer: cfg.env.Whois.MinDelay,
		Retries:           cfg.env.Whois.Retries,
	})
	resolver := lookup.NewResolver(client, cfg.rotator(), lookup.ResolverOptions{
		MaxAttempts: cfg.env.MaxAttempts,
		Logger:      cfg.log,
		Metrics:     cfg.metrics,
	})
	cache := lookup.New(st, resolver, lookup.Options{
		Normalizer: cfg.normalizer(),
		Classifier: whois.Classifier{RateLimitMarkers: markers},
		Logger:     cfg.log,
		Metrics:    cfg.metrics,
	})
	runner := batch.NewRunner(cache, batch.Options{
		Concurrency: cfg.env.Concurrency,
		Logger:      cfg.log,
		Label:       label,
	})

	return &app{store: st, runner: runner}, nil
}
