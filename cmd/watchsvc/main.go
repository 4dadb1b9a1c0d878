package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	configs "github.com/avvvet/piazzale-services/configs"
	"github.com/avvvet/piazzale-services/internal/piazzale/client"
)

const SERVICE_NAME = "watch"

func init() {
	configs.LoadEnv(SERVICE_NAME)
	configs.Logging(SERVICE_NAME + "_service")
}

func logChanges(changes []client.Change) {
	for _, ch := range changes {
		entry := log.WithFields(log.Fields{"cell": ch.CellNumber, "card": ch.CardIndex})
		switch {
		case ch.CardIndex == client.CellFields:
			entry.Info("cell fields changed")
		case ch.After == nil:
			entry.Info("cell removed")
		case ch.Before == nil:
			entry.Debugf("card loaded: %s", ch.After.Status)
		default:
			entry.Infof("card %s -> %s", ch.Before.Status, ch.After.Status)
		}
	}
}

func main() {
	baseURL := os.Getenv("PIAZZALE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	interval := client.DefaultInterval
	if v := os.Getenv("WATCH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid WATCH_INTERVAL value %q", v)
		}
		interval = d
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := client.NewPoller(baseURL, client.WithInterval(interval), client.OnChange(logChanges))

	// hints only speed up polling; losing the socket is not fatal
	go func() {
		for ctx.Err() == nil {
			if err := p.WatchHints(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("websocket hints unavailable: %v", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}()

	log.Infof("%s service polling %s every %s", SERVICE_NAME, baseURL, interval)
	p.Run(ctx)
	log.Infof("%s service stopped", SERVICE_NAME)
}
