package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	configs "github.com/avvvet/piazzale-services/configs"
	natscli "github.com/avvvet/piazzale-services/internal/nats"
	"github.com/avvvet/piazzale-services/internal/piazzale/broker"
	"github.com/avvvet/piazzale-services/internal/piazzale/config"
	"github.com/avvvet/piazzale-services/internal/piazzale/db"
	"github.com/avvvet/piazzale-services/internal/piazzale/service"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
)

const SERVICE_NAME = "ctl"

var instanceId string

func init() {
	configs.LoadEnv(SERVICE_NAME)
	instanceId = configs.CreateUniqueInstance(SERVICE_NAME)
	configs.Logging(SERVICE_NAME + "_service_" + instanceId)
}

// dueForReset reports whether the daily color reset should run at now.
// hour < 0 disables it.
func dueForReset(now, last time.Time, hour int) bool {
	if hour < 0 || now.Hour() != hour {
		return false
	}
	y, m, d := now.Date()
	ly, lm, ld := last.Date()
	return last.IsZero() || y != ly || m != lm || d != ld
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	resetHour := -1
	if v := os.Getenv("CTL_DAILY_RESET_HOUR"); v != "" {
		if resetHour, err = strconv.Atoi(v); err != nil || resetHour < 0 || resetHour > 23 {
			log.Fatalf("invalid CTL_DAILY_RESET_HOUR value %q", v)
		}
	}
	purgeEvery := 10 * time.Minute
	if v := os.Getenv("CTL_PURGE_INTERVAL"); v != "" {
		if purgeEvery, err = time.ParseDuration(v); err != nil || purgeEvery <= 0 {
			log.Fatalf("invalid CTL_PURGE_INTERVAL value %q", v)
		}
	}

	st, err := store.Open(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supervisor := db.NewSupervisor(st, cfg.HealthInterval)
	go supervisor.Run(ctx)

	monitoring := service.NewMonitoringService(st, service.SystemClock)
	board := service.NewBoardService(st, monitoring, service.BoardOptionsFromConfig(cfg))
	auth := service.NewAuthService(st, nil, nil, service.SystemClock)

	// reset events reach the API instances so they drop their caches
	if cfg.NatsURL != "" {
		n, err := natscli.Connect(cfg.NatsURL, cfg.NatsToken, SERVICE_NAME+"-"+instanceId)
		if err != nil {
			log.Fatalf("Error: unable to connect to NATS server %v", err)
		}
		defer n.Close()
		log.Infof("NATS connection established successfully %s", n.Url)
		board.Subscribe(broker.NewBroker(n.Conn, instanceId))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	purge := time.NewTicker(purgeEvery)
	defer purge.Stop()
	clock := time.NewTicker(time.Minute)
	defer clock.Stop()

	var lastReset time.Time
	for {
		select {
		case <-stop:
			log.Infof("%s service stopped", SERVICE_NAME)
			return
		case <-purge.C:
			if !supervisor.Healthy() {
				continue
			}
			n, err := auth.PurgeExpired(ctx)
			if err != nil {
				log.Errorf("purge expired sessions: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("purged %d expired sessions", n)
			}
		case now := <-clock.C:
			if !supervisor.Healthy() || !dueForReset(now, lastReset, resetHour) {
				continue
			}
			if err := board.ResetColors(ctx); err != nil {
				log.Errorf("daily color reset: %v", err)
				continue
			}
			lastReset = now
			log.Info("daily color reset done")
		}
	}
}
