// Zimfarm is a distributed scraping farm that builds ZIM file archives.
// Copyright (C) 2025 Kiwix
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zimfarm/internal/api"
	"zimfarm/internal/auth"
	"zimfarm/internal/broadcast"
	"zimfarm/internal/logging"
	"zimfarm/internal/scheduler"
	"zimfarm/internal/store"
	"zimfarm/pkg/zimfarm"
)

// Config holds runtime configuration for the dispatcher. Values can be
// provided via environment variables and/or flags; flags take precedence.
type Config struct {
	HTTPAddr     string // DISPATCHER_HTTP_ADDR
	DBPath       string // DB_PATH
	RSAKeyPath   string // RSA_KEY (PEM; empty means ephemeral)
	InitUsername string // INIT_USERNAME
	InitPassword string // INIT_PASSWORD (do not log value)
	LogLevel     string // LOG_LEVEL: info|debug
}

func defaultConfig() Config {
	return Config{
		HTTPAddr: ":8000",
		DBPath:   "./zimfarm.db",
		LogLevel: "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:     getenv("DISPATCHER_HTTP_ADDR", def.HTTPAddr),
		DBPath:       getenv("DB_PATH", def.DBPath),
		RSAKeyPath:   getenv("RSA_KEY", def.RSAKeyPath),
		InitUsername: getenv("INIT_USERNAME", def.InitUsername),
		InitPassword: getenv("INIT_PASSWORD", def.InitPassword),
		LogLevel:     getenv("LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env DISPATCHER_HTTP_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.StringVar(&cfg.RSAKeyPath, "rsa-key", cfg.RSAKeyPath, "PEM private key for token signing (env RSA_KEY)")
	flag.StringVar(&cfg.InitUsername, "init-username", cfg.InitUsername, "Bootstrap admin username (env INIT_USERNAME)")
	flag.StringVar(&cfg.InitPassword, "init-password", cfg.InitPassword, "Bootstrap admin password (env INIT_PASSWORD)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func run() error {
	cfg := parseConfig()
	log := logging.New(cfg.LogLevel)

	log.Info("dispatcher configuration",
		"addr", cfg.HTTPAddr, "db", cfg.DBPath,
		"rsa_key", cfg.RSAKeyPath, "init_username", cfg.InitUsername)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var issuer *auth.TokenIssuer
	if cfg.RSAKeyPath != "" {
		pemKey, err := os.ReadFile(cfg.RSAKeyPath)
		if err != nil {
			return fmt.Errorf("read rsa key: %w", err)
		}
		issuer, err = auth.NewTokenIssuer(pemKey)
		if err != nil {
			return fmt.Errorf("parse rsa key: %w", err)
		}
	} else {
		log.Warn("no RSA_KEY configured, tokens will not survive a restart")
		issuer, err = auth.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate rsa key: %w", err)
		}
	}

	if err := bootstrapUser(ctx, st, cfg, log); err != nil {
		return err
	}

	sched := scheduler.New(st, log)
	hub := broadcast.NewHub(log)
	defer hub.Close()

	beat := scheduler.NewBeat(sched, log)
	go beat.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(st, sched, hub, issuer, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped gracefully")
	return nil
}

// bootstrapUser creates the initial admin account when INIT_USERNAME is
// set and the user does not exist yet.
func bootstrapUser(ctx context.Context, st *store.Store, cfg Config, log *slog.Logger) error {
	if cfg.InitUsername == "" {
		return nil
	}
	if cfg.InitPassword == "" {
		return fmt.Errorf("INIT_USERNAME set without INIT_PASSWORD")
	}
	hash, err := auth.HashPassword(cfg.InitPassword)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	err = st.CreateUser(ctx, zimfarm.User{
		Username:     cfg.InitUsername,
		PasswordHash: hash,
		Role:         "admin",
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	log.Info("bootstrap user created", "username", cfg.InitUsername)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatcher:", err)
		os.Exit(1)
	}
}
