// Package app собирает участников саги (order, inventory, payment) из конфигурации
// и управляет их жизненным циклом: HTTP API, фоновые воркеры, метрики и gRPC ops.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/scheduler"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// Participant — участник саги, запускаемый процессом.
type Participant string

const (
	ParticipantOrder     Participant = "order"
	ParticipantInventory Participant = "inventory"
	ParticipantPayment   Participant = "payment"
)

// AllParticipants — все участники; используется для запуска в одном процессе.
var AllParticipants = []Participant{ParticipantOrder, ParticipantInventory, ParticipantPayment}

// ParseParticipants разбирает список вида "order,payment".
func ParseParticipants(s string) ([]Participant, error) {
	var out []Participant
	for _, part := range strings.Split(s, ",") {
		p := Participant(strings.ToLower(strings.TrimSpace(part)))
		if p == "" {
			continue
		}
		if !lo.Contains(AllParticipants, p) {
			return nil, fmt.Errorf("unknown participant %q", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one participant is required")
	}
	return lo.Uniq(out), nil
}

// Services — собранные сервисы; nil, если участник не запущен этим процессом.
type Services struct {
	Orders    *order.Service
	Inventory *inventory.Service
	Payments  *payment.Service
}

type subscription struct {
	group  string
	router *events.Router
}

// Option настраивает сборку Runtime.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	logger   *log.Entry
}

// WithRegistry регистрирует метрики в отдельном реестре вместо глобального.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// WithLogger задаёт корневой логгер.
func WithLogger(l *log.Entry) Option { return func(o *options) { o.logger = l } }

// Runtime — собранный процесс с одним или несколькими участниками.
type Runtime struct {
	cfg          Config
	logger       *log.Entry
	participants []Participant

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	infra     *infra
	transport *transport
	services  Services
	subs      []subscription
	scheduler *scheduler.Worker
	outbox    *outbox.Worker

	api    http.Handler
	health *healthcheck.Handler

	workers sync.WaitGroup
}

// Build подключает инфраструктуру и собирает сервисы участников. Ничего не запускает.
func Build(ctx context.Context, cfg Config, participants []Participant, opts ...Option) (*Runtime, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("service", cfg.ServiceName)
	}
	if len(participants) == 0 {
		participants = AllParticipants
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	rt := &Runtime{
		cfg:          cfg,
		logger:       o.logger,
		participants: participants,
		registerer:   prometheus.DefaultRegisterer,
		gatherer:     prometheus.DefaultGatherer,
	}
	if o.registry != nil {
		rt.registerer, rt.gatherer = o.registry, o.registry
	}

	in, err := openInfra(ctx, cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.infra = in

	tr, err := openTransport(cfg, rt.logger)
	if err != nil {
		in.close()
		return nil, err
	}
	rt.transport = tr

	rt.assemble()
	return rt, nil
}

func (rt *Runtime) has(p Participant) bool { return lo.Contains(rt.participants, p) }

// publisherFor возвращает outbox-паблишер агрегата или шину напрямую.
func (rt *Runtime) publisherFor(aggregate string) events.Publisher {
	if rt.infra.outbox != nil {
		return outbox.NewPublisher(rt.infra.outbox, aggregate)
	}
	return rt.transport.publisher
}

func (rt *Runtime) assemble() {
	cfg := rt.cfg
	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(rt.registerer)

	if rt.has(ParticipantOrder) {
		jobs := rt.infra.jobStore()
		opts := []order.Option{
			order.WithLogger(rt.logger.WithField("participant", ParticipantOrder)),
			order.WithMetrics(sagaMetrics),
			order.WithExpirationDelay(cfg.ExpirationDelay),
		}
		if c := rt.infra.catalog(); c != nil {
			opts = append(opts, order.WithCatalog(c))
		}
		rt.services.Orders = order.NewService(rt.infra.orderRepo(), jobs, rt.publisherFor("order"), opts...)
		rt.subs = append(rt.subs, subscription{group: events.GroupOrder, router: rt.services.Orders.Router()})

		rt.scheduler = scheduler.NewWorker(jobs,
			scheduler.WithLogger(rt.logger.WithField("component", "scheduler")),
			scheduler.WithPollInterval(cfg.JobPollInterval),
			scheduler.WithMaxAttempts(cfg.JobMaxAttempts),
			scheduler.WithMetrics(sagaMetrics),
		)
		rt.scheduler.Register(order.ExpirationJobName, rt.services.Orders.HandleExpirationJob)
	}

	if rt.has(ParticipantInventory) {
		rt.services.Inventory = inventory.NewService(rt.infra.inventoryRepo(),
			inventory.WithLogger(rt.logger.WithField("participant", ParticipantInventory)),
			inventory.WithMetrics(sagaMetrics),
			inventory.WithLowStockThreshold(cfg.LowStockThreshold),
		)
		rt.subs = append(rt.subs, subscription{group: events.GroupInventory, router: rt.services.Inventory.Router()})
	}

	if rt.has(ParticipantPayment) {
		rt.services.Payments = payment.NewService(rt.infra.paymentRepo(),
			payment.NewSandboxProvider(cfg.PaymentApprovalURL),
			rt.publisherFor("payment"),
			payment.WithLogger(rt.logger.WithField("participant", ParticipantPayment)),
			payment.WithMetrics(sagaMetrics),
			payment.WithRedirectURLs(cfg.PaymentReturnURL, cfg.PaymentCancelURL),
		)
		rt.subs = append(rt.subs, subscription{group: events.GroupPayment, router: rt.services.Payments.Router()})
	}

	if rt.infra.outbox != nil {
		opts := []outbox.Option{
			outbox.WithLogger(rt.logger.WithField("component", "outbox")),
			outbox.WithMetrics(sagaMetrics),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		}
		if rt.transport.dlq != nil {
			opts = append(opts, outbox.WithDLQ(rt.transport.dlq, outbox.DefaultDLQTopic))
		}
		rt.outbox = outbox.NewWorker(rt.infra.outbox, rt.transport.relay, opts...)
	}

	apiCfg := httpapi.Config{
		Verifier: auth.NewManager(cfg.JWTSecret, cfg.JWTTTL),
		Metrics:  httpapi.NewMetrics(cfg.ServiceName, rt.registerer),
		Logger:   rt.logger.WithField("component", "http"),
	}
	// Интерфейсы заполняются только запущенными участниками: typed nil смонтировал бы маршруты.
	if rt.services.Orders != nil {
		apiCfg.Orders = rt.services.Orders
	}
	if rt.services.Payments != nil {
		apiCfg.Payments = rt.services.Payments
	}
	if rt.services.Inventory != nil {
		apiCfg.Inventory = rt.services.Inventory
	}
	rt.api = httpapi.NewRouter(apiCfg)

	rt.health = healthcheck.NewHandler(rt.cfg.ServiceName, version.GetVersion())
	rt.infra.registerCheckers(rt.health)
}

// Services возвращает собранные сервисы участников.
func (rt *Runtime) Services() Services { return rt.services }

// Handler возвращает HTTP API (/api/...).
func (rt *Runtime) Handler() http.Handler { return rt.api }

// OpsHandler возвращает /metrics, /healthz, /livez и /readyz.
func (rt *Runtime) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", rt.health)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", rt.health.ReadinessHandler)
	return mux
}

// Start подписывает участников на шину и запускает фоновые воркеры до отмены ctx.
func (rt *Runtime) Start(ctx context.Context) error {
	for _, s := range rt.subs {
		if err := rt.transport.subscribe(ctx, s.group, s.router); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.group, err)
		}
		rt.logger.WithFields(log.Fields{"group": s.group, "topics": s.router.Topics()}).Info("consumer group subscribed")
	}
	if rt.scheduler != nil {
		rt.goWorker(func() { rt.scheduler.Run(ctx) })
	}
	if rt.outbox != nil {
		rt.goWorker(func() { rt.outbox.Run(ctx) })
	}
	return nil
}

func (rt *Runtime) goWorker(fn func()) {
	rt.workers.Add(1)
	go func() {
		defer rt.workers.Done()
		fn()
	}()
}

// Run запускает воркеры и серверы и блокируется до отмены ctx или ошибки сервера.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	grpcServer, healthServer := rt.newOpsGRPCServer()
	lis, err := net.Listen("tcp", rt.cfg.GRPCAddr)
	if err != nil {
		return err
	}

	apiSrv := &http.Server{Addr: rt.cfg.HTTPAddr, Handler: rt.api, ReadHeaderTimeout: 5 * time.Second}
	opsSrv := &http.Server{Addr: rt.cfg.MetricsAddr, Handler: rt.OpsHandler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 3)
	go func() {
		rt.logger.Infof("gRPC ops сервер слушает %s", rt.cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	for _, srv := range []*http.Server{apiSrv, opsSrv} {
		go func(srv *http.Server) {
			rt.logger.Infof("HTTP сервер слушает %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		rt.logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}
	cancel()

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(rt.cfg.ShutdownTimeout):
		rt.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
	shutdownHTTP(apiSrv, rt.cfg.ShutdownTimeout, rt.logger)
	shutdownHTTP(opsSrv, rt.cfg.ShutdownTimeout, rt.logger)
	rt.workers.Wait()
	return runErr
}

func (rt *Runtime) newOpsGRPCServer() (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := rt.registerer.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			rt.logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, p := range rt.participants {
		healthServer.SetServingStatus("storefront."+string(p), healthpb.HealthCheckResponse_SERVING)
	}
	return server, healthServer
}

// Close освобождает шину и подключения. Вызывается после Run.
func (rt *Runtime) Close() {
	rt.transport.close(rt.logger)
	rt.infra.close()
}

// Run собирает участников и обслуживает их до отмены ctx.
func Run(ctx context.Context, cfg Config, participants ...Participant) error {
	rt, err := Build(ctx, cfg, participants)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Run(ctx)
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
