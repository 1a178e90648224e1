package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"
	"PPRealtime/module/access"
	"PPRealtime/module/api"
	"PPRealtime/module/chat/store"
	"PPRealtime/module/conversation"
	"PPRealtime/module/delivery"
	"PPRealtime/module/event"
	"PPRealtime/module/presence"
	"PPRealtime/module/reaction"
	"PPRealtime/module/receipt"
	"PPRealtime/service/chat"
	"PPRealtime/service/kafka"
	"PPRealtime/service/metrics"
	"PPRealtime/service/mgo"
	"PPRealtime/service/nacos"
	"PPRealtime/service/natsx"
	"PPRealtime/service/pg"
	"PPRealtime/service/storage"
	rds "PPRealtime/service/storage/redis"
	"PPRealtime/tools/ids"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger.Init(cfg.LogLevel)
	defer logger.Sync()
	ids.SetNodeID(cfg.SnowNode)
	log := logger.Named("main").With(zap.String("node", cfg.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exit", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	log.Info("bye")
}

func run(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) error {
	// ---- 存储 ----
	rdb, err := rds.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	lease := storage.NewRedisStore(rdb)

	db, closeMongo, err := mgo.Connect(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer closeMongo()
	docs := store.NewMongo(db)
	if err := docs.EnsureIndexes(ctx); err != nil {
		return err
	}

	pool, err := pg.Open(ctx, pg.Config{DSN: cfg.Postgres.DSN})
	if err != nil {
		return err
	}
	defer pool.Close()
	dir := store.NewPgDirectory(pool)
	if err := dir.EnsureSchema(ctx); err != nil {
		return err
	}
	stores := docs.Stores(dir)

	// ---- 扇出 ----
	reg := chat.NewRegistry(lease)
	b := chat.NewBroadcaster(reg, dir, chat.BroadcasterOptions{
		NodeID:    cfg.NodeID,
		Shards:    cfg.Fanout.Shards,
		QueueSize: cfg.Fanout.QueueSize,
	})
	defer b.Close()

	if cfg.Nats.Enabled {
		idem := natsx.NewMemIdem(cfg.IdemTTL())
		nm, err := natsx.NewManager(natsx.Config{
			Servers: cfg.Nats.Servers,
			Name:    cfg.NodeID,
			User:    cfg.Nats.User,
			Pass:    cfg.Nats.Pass,
		}, natsx.IdemMiddleware(idem, cfg.IdemTTL()))
		if err != nil {
			return err
		}
		defer nm.Close()
		if _, err := chat.NewNatsRelay(nm, cfg.Nats.Subject, b); err != nil {
			return err
		}
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		if cfg.Kafka.EnsureTopics {
			if err := kafka.Bootstrap(cfg.Kafka); err != nil {
				return err
			}
		}
		evlog, err := kafka.DialEventLog(cfg.Kafka)
		if err != nil {
			return err
		}
		defer evlog.Close()
		b.SetSink(evlog)

		consumer, err = kafka.DialConsumer(cfg.Kafka)
		if err != nil {
			return err
		}
		defer consumer.Close()
	}

	// ---- 业务 ----
	bus := event.NewBus()
	auth := access.NewChecker(dir, nil)
	tracker := presence.NewTracker(lease, reg, b, auth, presence.Options{})
	reactions := reaction.NewLedger(stores, auth, b, nil)
	receipts := receipt.NewLedger(stores, auth, b)
	receipts.Subscribe(bus)
	pipeline := delivery.NewPipeline(delivery.Deps{
		Stores:    stores,
		Lease:     lease,
		Auth:      auth,
		Notify:    b,
		Reactions: reactions,
		Bus:       bus,
		Activity:  tracker,
	})
	pipeline.Subscribe(bus)
	if consumer != nil {
		consumer.Handle(cfg.Kafka.LifecycleTopic, pipeline.HandleLifecycle)
	}

	h := &api.Handlers{
		Pipeline:      pipeline,
		Receipts:      receipts,
		Reactions:     reactions,
		Presence:      tracker,
		Conversations: conversation.NewService(dir, b, bus, nil),
		Registry:      reg,
		Messages:      stores.Messages,
		Auth:          auth,
	}
	disp := chat.NewDispatcher()
	h.RegisterActions(disp)

	// ---- HTTP / WS ----
	sec := midsec.DefaultOptions([]byte(cfg.JwtSecret))
	gw := chat.NewGateway(reg, disp, tracker,
		func(r *http.Request) (int64, error) { return midsec.Authenticate(sec, r) },
		chat.GatewayOptions{
			ConnBuffer:  cfg.Fanout.ConnBuffer,
			CheckOrigin: middleware.CheckOrigin(cfg.AllowedOrigins),
		})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	httpLog := logger.Named("http")
	engine.Use(middleware.Recovery(httpLog), middleware.NewManager(middleware.AccessLog(httpLog)).Use())
	engine.GET("/metrics", metrics.Handler())
	engine.GET("/healthz", func(c *gin.Context) {
		if err := lease.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/ws", gw.HandleWS)
	h.Routes(middleware.NewRouter(engine.Group("/api"), sec))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return receipts.Run(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if cfg.Nacos.Addr != "" {
		cc, err := nacos.NewConfigClient(cfg.Nacos)
		if err != nil {
			return err
		}
		g.Go(func() error { return nacos.WatchTunables(gctx, cc, cfg.Nacos.DataID, cfg.Nacos.Group) })

		nc, err := nacos.NewNamingClient(cfg.Nacos)
		if err != nil {
			return err
		}
		nr := nacos.NewRegistry(nc, "chat-realtime", cfg.AdvertiseIP, httpPort(cfg.HTTPAddr), cfg.NodeID)
		if err := nr.Register(); err != nil {
			log.Warn("nacos register", zap.Error(err))
		}
		defer nr.Deregister()
	}
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func httpPort(addr string) uint64 {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 8080
	}
	n, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return 8080
	}
	return n
}
