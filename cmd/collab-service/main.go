package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/doccache"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/helper"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/hub"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/postgresql"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/presence"
	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/ws"
	"github.com/ltrye/TeamSyncWorkspace-sub000/internal"
)

var buildtime string

func main() {
	helper.InitLogging()
	zap.S().Infof("This is collab-service build date: %s", buildtime)

	InitPrometheus()

	store := postgresql.GetOrInit()
	InitHealthCheck()

	cache := doccache.New(store, cacheSettingsFromEnv())
	registry := presence.NewRegistry()

	relayCtx, relayCncl := context.WithCancel(context.Background())
	relay := initRelay(relayCtx)
	coordinator := hub.NewCoordinator(registry, cache, relay)
	if redisRelay, ok := relay.(*hub.RedisRelay); ok {
		redisRelay.Start(relayCtx, coordinator)
	}

	router := setupRouter(coordinator)

	port, err := env.GetAsInt("SERVICE_PORT", false, 8090)
	if err != nil {
		zap.S().Fatalf("Failed to get SERVICE_PORT from env: %s", err)
	}
	go func() {
		/* #nosec G114 */
		err := router.Run(fmt.Sprintf(":%d", port))
		if err != nil {
			zap.S().Fatalf("Failed to start collaboration endpoint: %s", err)
		}
	}()
	zap.S().Infof("Collaboration endpoint listening on :%d", port)

	shutdown := internal.NewGracefulShutdown(func() error {
		// Last chance to persist dirty buffers before the process dies.
		relayCncl()
		cache.FinalizeAll()
		store.Shutdown()
		return nil
	})
	shutdown.Wait()
}

func setupRouter(coordinator *hub.Coordinator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.GET("/ws", ws.Handler(coordinator))
	router.GET("/version", func(c *gin.Context) {
		c.String(http.StatusOK, buildtime)
	})
	return router
}

// cacheSettingsFromEnv reads the write-behind cadence. Both windows default
// to 10 seconds.
func cacheSettingsFromEnv() doccache.Settings {
	flushSeconds, err := env.GetAsInt("FLUSH_INTERVAL_SECONDS", false, 10)
	if err != nil {
		zap.S().Fatalf("Failed to get FLUSH_INTERVAL_SECONDS from env: %s", err)
	}
	settleSeconds, err := env.GetAsInt("SETTLE_WINDOW_SECONDS", false, 10)
	if err != nil {
		zap.S().Fatalf("Failed to get SETTLE_WINDOW_SECONDS from env: %s", err)
	}
	return doccache.Settings{
		FlushInterval: time.Duration(flushSeconds) * time.Second,
		SettleWindow:  time.Duration(settleSeconds) * time.Second,
	}
}

// initRelay connects the cross-instance relay when REDIS_URI is set.
// Without it the service runs standalone and rooms stay instance-local.
func initRelay(ctx context.Context) hub.Relay {
	redisURI, err := env.GetAsString("REDIS_URI", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get REDIS_URI from env: %s", err)
	}
	if redisURI == "" {
		zap.S().Infof("REDIS_URI not set, running without cross-instance relay")
		return nil
	}
	redisPassword, err := env.GetAsString("REDIS_PASSWORD", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get REDIS_PASSWORD from env: %s", err)
	}

	client := redis.NewClient(&redis.Options{Addr: redisURI, Password: redisPassword})
	pingCtx, pingCncl := context.WithTimeout(ctx, 5*time.Second)
	defer pingCncl()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zap.S().Fatalf("Failed to reach redis at %s: %s", redisURI, err)
	}

	return hub.NewRedisRelay(client, uuid.New().String())
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck() {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", postgresql.GetHealthCheck())
	health.AddLivenessCheck("database", postgresql.GetHealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
