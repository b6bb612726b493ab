// Package app assembles a peervoice peer from its config: storage, the
// signaling transport, the media stack, and the call machine, plus the
// interactive console that drives them.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/peervoice/peervoice/call"
	"github.com/peervoice/peervoice/config"
	"github.com/peervoice/peervoice/media"
	"github.com/peervoice/peervoice/signal"
	"github.com/peervoice/peervoice/store"
)

var log = logging.Logger("voice:app")

type Options struct {
	// Dir is the peer directory: config file, sqlite database.
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run starts a peer and blocks until ctx is cancelled or the console quits.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	selfID := cfg.Identity.UserID

	// ── Storage
	st, closeStore, err := openStore(cfg, opt.Dir)
	if err != nil {
		return err
	}
	defer closeStore()

	// ── Signaling transport
	ch, closeChannel, err := openChannel(ctx, cfg, selfID)
	if err != nil {
		return err
	}
	defer closeChannel()

	// ── Media config, hot-reloadable
	var mediaMu sync.RWMutex
	mediaCfg := cfg.MediaConfig()
	factory := func(callID string) (call.MediaSession, error) {
		mediaMu.RLock()
		mc := mediaCfg
		mediaMu.RUnlock()
		return media.NewSession(callID, mc)
	}

	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		// Identity, storage, and transport are fixed for the process
		// lifetime; only ICE settings take effect, on the next call.
		mediaMu.Lock()
		mediaCfg = next.MediaConfig()
		mediaMu.Unlock()
		log.Infof("ICE configuration updated, applies to the next call")
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	// ── Call machine
	machine := call.NewMachine(selfID, st, ch, factory,
		call.WithRingTimeout(cfg.RingTimeout()))
	if err := machine.Start(ctx); err != nil {
		return err
	}
	defer machine.Close()

	log.Infof("peer %s up (signaling=%s storage=%s)", selfID, cfg.Signaling.Backend, cfg.Storage.Driver)
	return runConsole(ctx, machine)
}

func openStore(cfg config.Config, dir string) (store.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		dataDir := cfg.Storage.DataDir
		if !filepath.IsAbs(dataDir) {
			dataDir = filepath.Join(dir, dataDir)
		}
		s, err := store.OpenSQLite(dataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open call store: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openChannel(ctx context.Context, cfg config.Config, selfID string) (signal.Channel, func(), error) {
	switch cfg.Signaling.Backend {
	case "memory":
		bus := signal.NewMemoryBus()
		return bus, bus.Close, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Signaling.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Signaling.RedisAddr, err)
		}
		ch := signal.NewRedisChannel(rdb, cfg.Signaling.RedisPrefix)
		return ch, func() { rdb.Close() }, nil

	case "pubsub":
		h, ps, err := signal.NewPubSubHost(ctx, cfg.Signaling.ListenPort)
		if err != nil {
			return nil, nil, fmt.Errorf("start pubsub host: %w", err)
		}
		ch := signal.NewPubSubChannel(ps)
		return ch, func() { h.Close() }, nil

	case "websocket":
		ch := signal.NewWebsocketChannel(cfg.Signaling.WebsocketURL, selfID)
		return ch, ch.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown signaling backend %q", cfg.Signaling.Backend)
	}
}
