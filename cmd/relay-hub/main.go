// Relay hub: accepts authenticated WebSocket connections and forwards chat
// messages and typing indicators between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/moodtribe/relay/internal"
	"github.com/moodtribe/relay/internal/config"
	"github.com/moodtribe/relay/pkg/presence"
	"github.com/moodtribe/relay/pkg/relay"
	"github.com/moodtribe/relay/pkg/transport"
	utils "github.com/moodtribe/relay/pkg/util"
	"go.uber.org/zap"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s\n", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	cfg, err := config.ParseHubConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Error("Failed to parse configuration", zap.Error(err))
		os.Exit(2)
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	//
	// Registry + optional presence mirror
	registry := internal.CreateConnectionRegistry()
	relayConfig := relay.RelayConfig{
		Registry: registry,
		Logger:   logger,
	}

	if cfg.PresenceEnabled() {
		if cfg.NodeId == "" {
			cfg.NodeId = utils.CreateRandomStringGenerator(time.Now().UnixNano()).NodeId("relay")
			logger.Info("No RELAY_NODE_ID set, generated one", zap.String("nodeId", cfg.NodeId))
		}

		store, storeErr := presence.CreateRedisStore(shutdownCtx, presence.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if storeErr != nil {
			logger.Error("Failed to connect presence store", zap.Error(storeErr))
			return
		}
		defer store.Close()

		mirror := presence.CreateMirror(registry, store, presence.MirrorParams{
			NodeId: cfg.NodeId,
			TTL:    cfg.PresenceTTL,
			Logger: logger,
		})
		relayConfig.Presence = mirror

		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(shutdownCtx)
		}()
	}

	relayCore, relayErr := relay.CreateRelay(relayConfig)
	if relayErr != nil {
		logger.Error("Failed to create relay", zap.Error(relayErr))
		return
	}

	//
	// Everything except the relay endpoint falls through to this mux
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","users":%d}`, registry.Len())
	})

	wsServer, wsServerErr := transport.CreateWebsocketRelay(relayCore, transport.WebsocketRelayParams{
		ListenAddress:       cfg.ListenAddr,
		ListenEndpoint:      cfg.Endpoint,
		AllowAllHosts:       cfg.AllowAllHosts,
		AllowlistedHosts:    cfg.AllowedHosts,
		DenylistedHosts:     cfg.DeniedHosts,
		MaxReadMessageSize:  cfg.MaxReadBytes,
		OutgoingQueueLength: cfg.OutgoingQueue,
		WriteTimeout:        cfg.WriteTimeout,
		Fallback:            mux,
		Logger:              logger,
	})
	if wsServerErr != nil {
		logger.Error("Failed to create WebSocket server", zap.Error(wsServerErr))
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer shutdownRelease()
		if err := wsServer.Start(shutdownCtx); err != nil {
			logger.Error("WebSocket server stopped with error", zap.Error(err))
		}
	}()

	wg.Wait()
}
