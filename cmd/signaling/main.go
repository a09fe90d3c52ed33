package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/config"
	"github.com/mossy-p/rtcnet/internal/handlers"
	"github.com/mossy-p/rtcnet/internal/redis"
	"github.com/mossy-p/rtcnet/internal/relay"
)

func main() {
	factory := logging.NewDefaultLoggerFactory()
	log := factory.NewLogger("relay")

	// Load configuration, from a file when one is given
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registry relay.Registry = relay.NewMemoryRegistry()
	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		defer client.Close()
		registry = relay.NewRedisRegistry(client)
		log.Info("Redis connection established")
	}

	exclusive := relay.NewHub(relay.HubConfig{Registry: registry, LoggerFactory: factory})
	shared := relay.NewHub(relay.HubConfig{Registry: registry, AddressSharing: true, LoggerFactory: factory})

	if cfg.TextPort != "" {
		l, err := net.Listen("tcp", ":"+cfg.TextPort)
		if err != nil {
			log.Errorf("text listener: %v", err)
			os.Exit(1)
		}
		text := relay.NewTextServer(exclusive, factory)
		defer text.Close()
		go func() {
			if err := text.Serve(l); err != nil {
				log.Errorf("text listener stopped: %v", err)
			}
		}()
		log.Infof("text relay listening on port %s", cfg.TextPort)
	}

	if cfg.MQTT.Broker != "" {
		bridge := relay.NewMQTTBridge(exclusive, relay.MQTTBridgeConfig{
			Broker:        cfg.MQTT.Broker,
			Prefix:        cfg.MQTT.Prefix,
			LoggerFactory: factory,
		})
		if err := bridge.Start(); err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		defer bridge.Stop()
		log.Infof("MQTT bridge connected to %s", cfg.MQTT.Broker)
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is not set, the relay accepts anonymous clients")
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Exclusive:      exclusive,
		Shared:         shared,
		LoggerFactory:  factory,
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("Starting relay on port %s", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
