package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth"

	configs "github.com/avvvet/piazzale-services/configs"
	"github.com/avvvet/piazzale-services/internal/comm"
	natscli "github.com/avvvet/piazzale-services/internal/nats"
	"github.com/avvvet/piazzale-services/internal/piazzale/broker"
	"github.com/avvvet/piazzale-services/internal/piazzale/config"
	"github.com/avvvet/piazzale-services/internal/piazzale/db"
	"github.com/avvvet/piazzale-services/internal/piazzale/handlers"
	"github.com/avvvet/piazzale-services/internal/piazzale/metrics"
	"github.com/avvvet/piazzale-services/internal/piazzale/secrets"
	"github.com/avvvet/piazzale-services/internal/piazzale/service"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	log "github.com/sirupsen/logrus"
)

const SERVICE_NAME = "piazzale"

var instanceId string

func init() {
	configs.LoadEnv(SERVICE_NAME)
	instanceId = configs.CreateUniqueInstance(SERVICE_NAME)
	configs.Logging(SERVICE_NAME + "_service_" + instanceId)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	st, err := store.Open(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	m := metrics.New()
	monitoring := service.NewMonitoringService(st, service.SystemClock)
	board := service.NewBoardService(st, monitoring, service.BoardOptionsFromConfig(cfg))

	vault, err := secrets.NewVault(cfg.AdminPassword, cfg.PrepostoPassword)
	if err != nil {
		log.Fatalf("password vault: %v", err)
	}
	tokenAuth := jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
	auth := service.NewAuthService(st, vault, tokenAuth, service.SystemClock)

	// the supervisor connects the store, seeds the topology and keeps probing
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supervisor := db.NewSupervisor(st, cfg.HealthInterval,
		db.OnConnect(board.Seed),
		db.OnHealthChange(m.SetStoreHealthy),
		db.OnHealthChange(func(bool) { board.InvalidateCache() }),
	)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		supervisor.Run(ctx)
	}()

	hub := handlers.NewHub(cfg.CORSOrigins)
	hub.OnCount(m.SetWSClients)
	board.Subscribe(hub)
	board.Subscribe(m)

	// NATS is optional: without it the instance runs standalone
	var sub interface{ Unsubscribe() error }
	if cfg.NatsURL != "" {
		n, err := natscli.Connect(cfg.NatsURL, cfg.NatsToken, SERVICE_NAME+"-"+instanceId)
		if err != nil {
			log.Fatalf("Error: unable to connect to NATS server %v", err)
		}
		defer n.Close()
		log.Infof("NATS connection established successfully %s", n.Url)

		b := broker.NewBroker(n.Conn, instanceId,
			broker.ListenerFunc(func(comm.CellChange) { board.InvalidateCache() }),
			hub,
			broker.ListenerFunc(func(comm.CellChange) { m.RemoteChange() }),
		)
		board.Subscribe(b)

		s, err := b.SubscribeCells()
		if err != nil {
			log.Fatalf("Error: unable to subscribe to %s %v", b.Topic, err)
		}
		sub = s
	}

	// Setup router
	r := chi.NewRouter()
	c := configs.CORS(cfg.CORSOrigins)

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(configs.CustomLoggerMiddleware())
	r.Use(m.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	r.Handle("/metrics", m.Handler())

	h := handlers.NewHandler(board, auth, monitoring, hub, supervisor.Healthy)
	h.SetRoutes(r)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s (store %s)", SERVICE_NAME, server.Addr, cfg.StoreDriver)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if sub != nil {
		sub.Unsubscribe()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown failed: %+v", SERVICE_NAME, err)
	}
	hub.Close()

	cancel()
	<-supervisorDone
	if err := st.Close(shutdownCtx); err != nil {
		log.Warnf("closing store: %v", err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
