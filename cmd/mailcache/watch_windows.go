//go:build windows

package main

import (
	"context"

	"github.com/nhle/mailcache/internal/app"
)

// watch keeps a started app running until ctx ends. Windows has no user
// signals, so the cache is only trimmed by its own bounds and TTL.
func watch(ctx context.Context, a *app.App) error {
	<-ctx.Done()
	return nil
}
