package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// run читает конфигурацию и обслуживает участника Order до отмены ctx.
func run(ctx context.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.ServiceName == app.DefaultConfig().ServiceName {
		cfg.ServiceName = "order-service"
	}
	app.SetupLogger(cfg)

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"bus":          cfg.BusDriver,
		"jobs":         cfg.JobDriver,
		"version":      version.String(),
	}).Info("запускаем OrderService")

	return app.Run(ctx, cfg, app.ParticipantOrder)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}
	log.Info("OrderService остановлен")
}
