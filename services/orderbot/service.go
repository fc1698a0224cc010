// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orderbot assembles the pave-ordering bot: catalog, normalization,
// reference resolution, conversation context, order tools and the dispatch
// orchestrator, behind an HTTP surface for the messaging webhook.
package orderbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/catalog"
	"github.com/AleutianAI/orderbot/services/orderbot/config"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/dispatch"
	"github.com/AleutianAI/orderbot/services/orderbot/ingress"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
	"github.com/AleutianAI/orderbot/services/orderbot/orders"
	"github.com/AleutianAI/orderbot/services/orderbot/resolve"
	"github.com/AleutianAI/orderbot/services/orderbot/secrets"
	badgerstore "github.com/AleutianAI/orderbot/services/orderbot/storage/badger"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
	"github.com/AleutianAI/orderbot/services/orderbot/tools"
)

// TimeoutReply is sent when a turn does not finish within the request
// timeout.
const TimeoutReply = "Estamos experimentando demoras. Intenta de nuevo."

// sweepInterval is how often idle rate-limit windows are dropped.
const sweepInterval = time.Minute

// Options override collaborators Build would otherwise construct.
type Options struct {
	// Model replaces the configured model client. Tests inject fakes here.
	Model llm.ToolChatClient

	// Secrets resolves the API key and auth tokens. Nil reads the
	// environment.
	Secrets *secrets.Manager

	// Sinks are extra telemetry sinks added after the slog sink.
	Sinks []telemetry.Sink

	Logger *slog.Logger
}

// Service is a fully wired bot.
//
// # Thread Safety
//
// Safe for concurrent use once Build returns. Close must be called once.
type Service struct {
	cfg *config.Config

	Catalog      *catalog.MemoryCatalog
	Normalizer   *normalize.Engine
	Store        *convctx.Store
	Orders       *orders.MemoryService
	Tools        *tools.Registry
	Orchestrator *dispatch.Orchestrator
	Gate         *ingress.Gate
	Events       *telemetry.Emitter

	secrets  *secrets.Manager
	turns    *semaphore.Weighted
	db       *badgerstore.DB
	reloader *config.FileReloader
	logger   *slog.Logger
}

// Build wires every component described by cfg.
//
// # Inputs
//
//   - ctx: Bounds startup work such as secret lookups and starting the
//     synonyms watcher. The watcher itself stops on Close.
//   - cfg: Validated configuration. Must not be nil.
//   - opts: Collaborator overrides.
//
// # Outputs
//
//   - *Service: Ready to serve. Caller must Close it.
//   - error: Non-nil if a table fails to load, storage cannot be opened, or
//     the model API key is missing.
func Build(ctx context.Context, cfg *config.Config, opts Options) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("orderbot: config must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sm := opts.Secrets
	if sm == nil {
		sm = secrets.NewManager()
	}

	s := &Service{
		cfg:     cfg,
		secrets: sm,
		turns:   semaphore.NewWeighted(int64(cfg.Server.MaxConcurrentTurns)),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	menu, err := config.DefaultMenu()
	if err != nil {
		return nil, fmt.Errorf("orderbot: menu: %w", err)
	}
	if s.Catalog, err = catalog.FromMenu(menu); err != nil {
		return nil, fmt.Errorf("orderbot: catalog: %w", err)
	}

	if err := s.buildNormalizer(ctx); err != nil {
		return nil, err
	}

	var claims ingress.ClaimStore
	switch cfg.Storage.Backend {
	case "badger":
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.Storage.Path
		bcfg.GCInterval = cfg.Storage.GCInterval
		bcfg.Logger = logger
		if s.db, err = badgerstore.OpenDB(bcfg); err != nil {
			return nil, fmt.Errorf("orderbot: storage: %w", err)
		}
		s.Store = convctx.NewStore(
			convctx.NewBadgerBackend(s.db, cfg.Storage.Retention, logger),
			convctx.WithLogger(logger),
		)
		claims = ingress.NewBadgerClaims(s.db, cfg.Ingress.IdempotencyTTL)
	default:
		s.Store = convctx.NewMemoryStore(convctx.WithLogger(logger))
		claims = ingress.NewMemoryClaims(cfg.Ingress.IdempotencyTTL)
	}
	s.Gate = ingress.NewGate(ingress.NewRateLimiter(cfg.Ingress.MessagesPerMinute), claims, logger)

	s.Orders = orders.NewMemoryService(s.Catalog, logger)
	if s.Tools, err = tools.NewDefaultRegistry(tools.Deps{
		Catalog:    s.Catalog,
		Normalizer: s.Normalizer,
		Orders:     s.Orders,
		Contexts:   s.Store,
		Logger:     logger,
	}); err != nil {
		return nil, fmt.Errorf("orderbot: tools: %w", err)
	}

	model := opts.Model
	if model == nil {
		if model, err = s.buildModel(ctx); err != nil {
			return nil, err
		}
	}

	sinks := []telemetry.Sink{telemetry.NewSlogSink(logger, slog.LevelInfo)}
	if cfg.Telemetry.Influx.Enabled {
		sink, err := s.buildInfluxSink(ctx)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	s.Events = telemetry.NewEmitter(logger, append(sinks, opts.Sinks...)...)

	s.Orchestrator = dispatch.New(dispatch.Deps{
		Model:      model,
		Tools:      s.Tools,
		Store:      s.Store,
		Normalizer: s.Normalizer,
		Resolver: resolve.New(s.Catalog, s.Normalizer, resolve.Config{
			AmbiguityThreshold: cfg.Resolver.AmbiguityThreshold,
			MinSizeTokens:      cfg.Resolver.MinSizeTokens,
			PronounMarkers:     cfg.Resolver.PronounMarkers,
		}),
		Events: s.Events,
		Logger: logger,
	}, dispatch.ConfigFrom(cfg))

	logger.Info("orderbot ready",
		slog.Int("products", len(s.Catalog.Products())),
		slog.Int("tools", len(s.Tools.Names())),
		slog.Int("synonym_rules", s.Normalizer.RuleCount()),
		slog.String("storage", cfg.Storage.Backend),
	)
	return s, nil
}

func (s *Service) buildNormalizer(ctx context.Context) error {
	ncfg := s.cfg.Normalization
	table, err := config.LoadSynonyms()
	if ncfg.SynonymsPath != "" {
		table, err = config.LoadSynonymsFile(ncfg.SynonymsPath)
	}
	if err != nil {
		return fmt.Errorf("orderbot: synonyms: %w", err)
	}

	opts := []normalize.Option{normalize.WithVocabulary(s.Catalog), normalize.WithLogger(s.logger)}
	if len(ncfg.Sizes.KnownSizes) > 0 {
		opts = append(opts, normalize.WithSizeConfig(ncfg.Sizes))
	}
	if s.Normalizer, err = normalize.NewEngine(table, opts...); err != nil {
		return fmt.Errorf("orderbot: normalizer: %w", err)
	}

	if !ncfg.WatchSynonyms || ncfg.SynonymsPath == "" {
		return nil
	}
	reload := func(path string) error {
		t, err := config.LoadSynonymsFile(path)
		if err != nil {
			return err
		}
		return s.Normalizer.Reload(t)
	}
	if s.reloader, err = config.NewFileReloader(ncfg.SynonymsPath, reload, 0, s.logger); err != nil {
		return fmt.Errorf("orderbot: synonyms watcher: %w", err)
	}
	if err := s.reloader.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("orderbot: synonyms watcher: %w", err)
	}
	return nil
}

func (s *Service) buildModel(ctx context.Context) (llm.ToolChatClient, error) {
	m := s.cfg.Model
	key, err := s.secrets.GetSecret(ctx, m.APIKeySecret)
	if err != nil {
		return nil, fmt.Errorf("orderbot: model API key: %w", err)
	}
	client, err := llm.NewClient(llm.ClientConfig{
		Provider: m.Provider,
		BaseURL:  m.BaseURL,
		Model:    m.Name,
		APIKey:   key,
		Timeout:  m.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("orderbot: model client: %w", err)
	}
	return client, nil
}

func (s *Service) buildInfluxSink(ctx context.Context) (telemetry.Sink, error) {
	ic := s.cfg.Telemetry.Influx
	token := ""
	if ic.TokenSecret != "" {
		var err error
		if token, err = s.secrets.Optional(ctx, ic.TokenSecret); err != nil {
			return nil, fmt.Errorf("orderbot: influx token: %w", err)
		}
	}
	sink, err := telemetry.NewInfluxSink(ic.URL, token, ic.Org, ic.Bucket)
	if err != nil {
		return nil, fmt.Errorf("orderbot: influx sink: %w", err)
	}
	return sink, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Reply runs one turn for conversationID under the concurrency cap and the
// request timeout.
//
// # Description
//
// A turn that overruns the timeout answers TimeoutReply. Recoverable errors
// (ambiguity, tool failures) are logged and their reply is returned with a
// nil error; everything else is returned so the caller can decide whether
// to let the provider redeliver.
func (s *Service) Reply(ctx context.Context, conversationID, text string) (dispatch.FinalReply, error) {
	timeout := s.cfg.Server.RequestTimeout
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.turns.Acquire(tctx, 1); err != nil {
		return s.timedOut(ctx, tctx, conversationID, err)
	}
	defer s.turns.Release(1)

	reply, err := s.Orchestrator.HandleTurn(tctx, conversationID, text)
	switch {
	case err == nil:
		return reply, nil
	case tctx.Err() != nil:
		return s.timedOut(ctx, tctx, conversationID, err)
	case dispatch.Recoverable(err):
		s.logger.Info("turn answered with recoverable error",
			slog.String("conversation", telemetry.MaskID(conversationID)),
			slog.String("error", llm.SafeLogString(err.Error())),
		)
		return reply, nil
	default:
		return reply, err
	}
}

func (s *Service) timedOut(parent, tctx context.Context, conversationID string, err error) (dispatch.FinalReply, error) {
	if parent.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("turn timed out",
			slog.String("conversation", telemetry.MaskID(conversationID)),
			slog.Duration("timeout", s.cfg.Server.RequestTimeout),
		)
		return dispatch.TextReply(TimeoutReply), fmt.Errorf("orderbot: turn timed out: %w", err)
	}
	return dispatch.TextReply(dispatch.ErrorReply), err
}

// Maintain runs periodic housekeeping until ctx is done.
func (s *Service) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Gate.Sweep(); n > 0 {
				s.logger.Debug("rate limit windows swept", slog.Int("senders", n))
			}
		}
	}
}

// Close stops the watcher, flushes telemetry and closes storage.
func (s *Service) Close() error {
	if s.reloader != nil {
		s.reloader.Stop()
	}
	var errs []error
	if err := s.Events.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
