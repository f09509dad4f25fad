//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhle/mailcache/internal/app"
)

// watch keeps a started app running until ctx ends. SIGUSR1 is treated as
// a low-memory hint; SIGHUP forces a sync.
func watch(ctx context.Context, a *app.App) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("shed conversation cache", slog.Int("entries", a.ShedCache()))
			case syscall.SIGHUP:
				a.RefreshNow()
			}
		}
	}
}
