package cli

// ============================================================================
// run 命令：組裝並啟動完整控制器
// ============================================================================
//
// 啟動順序:
//   1. 載入配置、建立 logger
//   2. 開啟 Store（postgres 可選擇先套用 migrations）
//   3. 連接 mesh transport（MQTT 失敗時重試，全部失敗則退出）
//   4. 綁定 relay socket
//   5. 可選：Redis 狀態推送、gRPC health、Prometheus metrics
//   6. 啟動控制器迴圈，等待 SIGINT / SIGTERM
//
// 關閉順序與啟動相反：先停止迴圈，再關閉 relay、transport、store。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/config"
	"github.com/ChuLiYu/meshctl/internal/controller"
	"github.com/ChuLiYu/meshctl/internal/logger"
	"github.com/ChuLiYu/meshctl/internal/metrics"
	"github.com/ChuLiYu/meshctl/internal/relay"
	"github.com/ChuLiYu/meshctl/internal/server"
	"github.com/ChuLiYu/meshctl/internal/statusfeed"
	"github.com/ChuLiYu/meshctl/internal/store"
	"github.com/ChuLiYu/meshctl/internal/transport"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the mesh controller",
		Long:  "Connect to the mesh and the store, open the relay socket and run the control loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runController(cmd.Context(), cfg)
		},
	}
}

func runController(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "meshctl")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting meshctl",
		zap.String("config", configFile),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("store", cfg.Store.Kind))

	gw, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	tr, err := openTransport(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize mesh transport", zap.Error(err))
		return err
	}
	defer tr.Close()

	relayCfg := relay.DefaultConfig()
	relayCfg.Addr = cfg.Relay.Addr
	if cfg.Relay.QueueSize > 0 {
		relayCfg.QueueSize = cfg.Relay.QueueSize
	}
	relaySrv := relay.NewServer(relayCfg, log)
	if err := relaySrv.Listen(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	var feed statusfeed.Publisher = statusfeed.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis not reachable, status feed will retry per event", zap.Error(err))
		}
		feed = statusfeed.NewRedis(rdb, statusfeed.Config{StateKey: cfg.Redis.StateKey, Stream: cfg.Redis.Stream})
		log.Info("Status feed enabled", zap.String("addr", cfg.Redis.Addr), zap.String("stream", cfg.Redis.Stream))
	}

	var healthSrv *server.Server
	var nodeHealth controller.NodeHealth
	if cfg.Health.Enabled {
		healthSrv = server.NewServer(log)
		if err := healthSrv.Listen(cfg.Health.Addr); err != nil {
			return err
		}
		go func() {
			if err := healthSrv.Serve(); err != nil {
				log.Error("Health server stopped", zap.Error(err))
			}
		}()
		defer healthSrv.Stop()
		nodeHealth = healthSrv
	}

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), reg)
		go func() {
			log.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metricsSrv.ListenAndServe(); err != nil {
				log.Error("Metrics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	ctrl, err := controller.NewController(controllerConfig(cfg), controller.Deps{
		Transport: tr,
		Store:     gw,
		Queue:     relaySrv.Queue(),
		Replier:   relaySrv,
		Feed:      feed,
		Health:    nodeHealth,
		Metrics:   collector,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if healthSrv != nil {
		healthSrv.SetServing(true)
	}

	relayErr := make(chan error, 1)
	go func() {
		relayErr <- relaySrv.Serve(ctx)
	}()

	log.Info("System started successfully", zap.String("relay", relaySrv.Addr().String()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal, stopping gracefully", zap.String("signal", sig.String()))
	case err = <-relayErr:
		if err != nil {
			log.Error("Relay server failed", zap.Error(err))
		}
	case <-ctx.Done():
	}

	if healthSrv != nil {
		healthSrv.SetServing(false)
	}
	ctrl.Stop()
	cancel()

	log.Info("System stopped. Goodbye!")
	return err
}

func controllerConfig(cfg *config.Config) controller.Config {
	c := controller.DefaultConfig()
	ctl := cfg.Controller

	c.ActuatorNode = types.NodeID(cfg.Mesh.ActuatorNode)
	c.SensorNode = types.NodeID(cfg.Mesh.SensorNode)
	c.PollInterval = ctl.PollInterval
	c.TempWarningTimeout = ctl.TempWarningTimeout
	c.TempSafetyTimeout = ctl.TempSafetyTimeout
	c.ProbeInterval = ctl.ProbeInterval
	c.AckTimeout = ctl.AckTimeout
	c.StaleThreshold = ctl.StaleThreshold
	c.StatusWriteInterval = ctl.StatusWriteInterval
	c.SendAttempts = ctl.SendAttempts
	c.SendRetryDelay = ctl.SendRetryDelay
	return c
}

// openStore 依配置開啟 Gateway
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Gateway, error) {
	switch cfg.Store.Kind {
	case "postgres":
		url := cfg.Store.Postgres.URL()
		pg, err := store.OpenPostgres(url, cfg.Store.Postgres.MaxConns, cfg.Store.Postgres.MaxIdle)
		if err != nil {
			return nil, err
		}

		// 資料庫暫時無法連線時仍啟動：控制器會對每次操作記錄錯誤並使用安全預設值
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pg.Ping(pingCtx); err != nil {
			log.Error("PostgreSQL not reachable, continuing with safe defaults", zap.Error(err))
			return pg, nil
		}
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Store.Postgres.Host),
			zap.String("database", cfg.Store.Postgres.Database))

		if cfg.Store.Migrate {
			changed, err := store.NewMigrator(url).Up()
			if err != nil {
				log.Error("Schema migration failed", zap.Error(err))
			} else {
				log.Info("Schema migrations checked", zap.Bool("applied", changed))
			}
		}
		return pg, nil

	case "file":
		doc, err := store.NewFile(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		log.Info("Using file store", zap.String("path", cfg.Store.Path))
		return doc, nil

	case "memory":
		log.Warn("Using in-memory store, state is lost on exit")
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
}

// openTransport 連接 mesh transport
func openTransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "mqtt":
		m := cfg.Transport.MQTT
		return transport.DialMQTT(ctx, transport.MQTTConfig{
			Broker:         m.Broker,
			ClientID:       m.ClientID,
			Username:       m.Username,
			Password:       m.Password,
			TopicPrefix:    m.TopicPrefix,
			QoS:            m.QoS,
			PublishTimeout: m.PublishTimeout,
		}, transport.ControllerNode, cfg.Transport.InitAttempts, cfg.Transport.InitRetryDelay, log)

	case "memory":
		log.Warn("Using in-memory transport, no nodes will be reachable")
		return transport.NewMemory(), nil
	}
	return nil, errors.New("unknown transport kind " + cfg.Transport.Kind)
}
