// Command simplayer drives one simulated user against a coordinator for load
// and soak testing. It signs the user in, keeps the live channel open with
// heartbeats, and in auto mode plays along with every handshake it is
// offered. Point a few dozen of these at a cluster and watch the metrics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("bad configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("player", cfg.Username)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPlayer(cfg, log)
	if err := p.run(ctx); err != nil {
		log.WithError(err).Error("player stopped")
		os.Exit(1)
	}
	log.Info("player stopped")
}
