// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EngineConfig bundles everything needed to assemble the sync engine.
type EngineConfig struct {
	DatabaseURL   string
	CRMBaseURL    string
	CRMTokenURL   string
	ClientID      string
	ClientSecret  string
	AppName       string
	PageSize      int
	RefreshMargin time.Duration
	Logger        *slog.Logger
}

// Engine wires the token manager, CRM client, mapper, stores, and
// orchestrator over one connection pool.
type Engine struct {
	Pool         *pgxpool.Pool
	TokenStore   *PgTokenStore
	TokenManager *TokenManager
	Client       *Client
	Orchestrator *Orchestrator
	Audit        *PgAuditLog
	Logger       *slog.Logger
}

// NewEngine connects to Postgres, initializes the schema, and assembles the
// sync components. The caller owns the returned engine's lifecycle.
func NewEngine(ctx context.Context, config *EngineConfig) (*Engine, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appName := config.AppName
	if appName == "" {
		appName = "go-crmsync"
	}

	poolCfg, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InitializeSchema(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	tokenStore := NewPgTokenStore(pool)
	tokenManager := NewTokenManager(tokenStore, &TokenManagerConfig{
		Provider:      DefaultProvider,
		TokenURL:      config.CRMTokenURL,
		ClientID:      config.ClientID,
		ClientSecret:  config.ClientSecret,
		RefreshMargin: config.RefreshMargin,
	}, logger)

	client := NewClient(DefaultClientConfig(config.CRMBaseURL), tokenManager, logger)
	mapper := NewMapper(logger)
	store := NewPgLocalStore(pool, logger)
	audit := NewPgAuditLog(pool)

	orchCfg := DefaultOrchestratorConfig()
	if config.PageSize > 0 {
		orchCfg.PageSize = config.PageSize
	}
	orchestrator := NewOrchestrator(client, mapper, store, audit, orchCfg, logger)

	return &Engine{
		Pool:         pool,
		TokenStore:   tokenStore,
		TokenManager: tokenManager,
		Client:       client,
		Orchestrator: orchestrator,
		Audit:        audit,
		Logger:       logger,
	}, nil
}

// Close releases the engine's connection pool.
func (e *Engine) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}
