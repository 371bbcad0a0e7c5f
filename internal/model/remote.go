package model

import (
	"context"
	"time"

	"peval/internal/config"
	"peval/internal/events"
)

// remoteBackend uses an already running llama-server. The server must have
// been started with the adapter loaded; the weight paths are only logged.
type remoteBackend struct {
	rc   config.RuntimeConfig
	opts Options
}

// NewRemoteBackend returns a backend for the server at rc.BaseURL.
func NewRemoteBackend(rc config.RuntimeConfig, opts Options) Backend {
	return &remoteBackend{rc: rc, opts: opts}
}

func (b *remoteBackend) Start(ctx context.Context, w Weights) (Session, error) {
	cli := newCompletionClient(b.rc.BaseURL, b.rc.APIKey, b.rc.RequestTimeout, b.opts.Logger)
	timeout := b.rc.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cli.waitReady(rctx, nil); err != nil {
		return nil, ErrDependencyUnavailable(err.Error())
	}
	b.opts.Logger.Warn().Str("url", cli.baseURL).Str("adapter", w.Adapter).
		Msg("remote backend: adapter must already be loaded by the server")
	events.OrNop(b.opts.Events).Publish(events.Event{Name: "remote_ready", Fields: map[string]any{"url": cli.baseURL}})
	return remoteSession{cli}, nil
}

type remoteSession struct{ *completionClient }

func (remoteSession) Close() error { return nil }
