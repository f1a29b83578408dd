package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/sanjanb/lifelab/internal/auth"
	"github.com/sanjanb/lifelab/internal/connectivity"
	"github.com/sanjanb/lifelab/internal/local"
	"github.com/sanjanb/lifelab/internal/logging"
	"github.com/sanjanb/lifelab/internal/persistence"
	"github.com/sanjanb/lifelab/internal/queue"
	"github.com/sanjanb/lifelab/internal/remote"
)

// app wires the persistence layer for one command invocation.
type app struct {
	logs     *logging.Output
	db       *local.DB
	gate     *auth.Gate
	provider *auth.FileProvider

	// Set only when a remote store is configured.
	remoteConn *sql.DB
	remote     *remote.TursoStore
	queue      *queue.Queue

	manager *persistence.Manager
}

// sourceFunc builds the connectivity source once the remote is known.
type sourceFunc func(r *remote.TursoStore, logs *logging.Output) connectivity.Source

// offline is the source for one-shot commands: operations are queued
// durably and drained by the daemon.
func offline(*remote.TursoStore, *logging.Output) connectivity.Source {
	return connectivity.NewManual(false)
}

// openApp opens the local store and, if configured, the remote store and
// the queue. With resolveAuth the gate is resolved from the session file
// immediately; otherwise the caller drives it with Gate.Run.
func openApp(ctx context.Context, source sourceFunc, resolveAuth bool) (*app, error) {
	logs, err := logging.New(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Verbose:    cfg.Log.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	a := &app{logs: logs}

	a.db, err = local.Open(cfg.Local.Path)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gate = auth.NewGate(logs.Logger("[auth] "))
	a.provider = auth.NewFileProvider(cfg.Auth.SessionFile)
	if resolveAuth {
		a.gate.Update(a.provider.State())
	}

	var (
		enqueuer persistence.Enqueuer
		target   persistence.RemoteStore
	)
	if cfg.SyncEnabled() {
		a.remoteConn, err = remote.Open(cfg.Remote.URL, cfg.Remote.AuthToken)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = remote.New(a.remoteConn, a.gate)

		opLog, err := queue.NewSQLiteLog(ctx, a.db.RawDB())
		if err != nil {
			a.Close()
			return nil, err
		}

		a.queue, err = queue.New(ctx, opLog, a.remote, a.gate, source(a.remote, logs), &queue.Config{
			BaseDelay: cfg.Queue.BaseDelay,
			MaxDelay:  cfg.Queue.MaxDelay,
			Logger:    logs.Logger("[queue] "),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		enqueuer = a.queue
		target = a.remote
	}

	a.manager = persistence.New(a.db, enqueuer, a.gate, target, logs.Logger("[persistence] "))
	return a, nil
}

// requireSync fails when no remote store is configured.
func (a *app) requireSync() error {
	if a.remote == nil {
		return errors.New("no remote store configured (set remote.url in lifelab.toml or LIFELAB_REMOTE_URL)")
	}
	return nil
}

func (a *app) logger(prefix string) *log.Logger {
	return a.logs.Logger(prefix)
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.remoteConn != nil {
		_ = a.remoteConn.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
