package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/nimburion/distlock/pkg/config"
	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/leasestore"
	"github.com/nimburion/distlock/pkg/notify"
	"github.com/nimburion/distlock/pkg/observability/logger"
)

// openStore returns the lease store selected by database.type.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (distlock.Store, error) {
	if cfg.Database.Type == config.DatabaseTypeMemory {
		log.Warn("using the in-memory lease store, locks are not shared with other processes")
		return distlock.NewMemoryStore(), nil
	}
	store, err := leasestore.Open(ctx, cfg.LeaseStoreConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("open lease store: %w", err)
	}
	return store, nil
}

// openNotifier connects release notifications, or returns nil when notify.url is empty.
// A notifier that cannot connect is logged and skipped since waiters still poll.
func openNotifier(ctx context.Context, cfg *config.Config, log logger.Logger) *notify.RedisNotifier {
	if cfg.Notify.URL == "" {
		return nil
	}
	notifier, err := notify.NewRedisNotifier(ctx, cfg.NotifierConfig(), log)
	if err != nil {
		log.Warn("release notifications disabled", "error", err)
		return nil
	}
	return notifier
}

// newCoordinator builds a coordinator over store. The notifier may be nil.
func newCoordinator(
	cfg *config.Config,
	log logger.Logger,
	store distlock.Store,
	notifier *notify.RedisNotifier,
	terminate distlock.TerminateFunc,
) (*distlock.Coordinator, error) {
	options := []distlock.Option{distlock.WithTerminate(terminateWithFlush(log, terminate))}
	if notifier != nil {
		options = append(options, distlock.WithNotifier(notifier))
	}
	return distlock.New(store, log, cfg.LockOptions(), options...)
}

// terminateWithFlush flushes buffered log entries before handing the exit code to
// next, or to os.Exit when next is nil.
func terminateWithFlush(log logger.Logger, next distlock.TerminateFunc) distlock.TerminateFunc {
	return func(code int) {
		if syncer, ok := log.(interface{ Sync() error }); ok {
			_ = syncer.Sync()
		}
		if next != nil {
			next(code)
			return
		}
		os.Exit(code)
	}
}

func closeStore(store distlock.Store, log logger.Logger) {
	if err := store.Close(); err != nil {
		log.Error("failed to close lease store", "error", err)
	}
}
