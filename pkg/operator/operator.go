/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator assembles the control plane: store, session server,
// controllers, and the two HTTP listeners.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/admin"
	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/config"
	"github.com/flotilla-sh/flotilla/pkg/controllers/health"
	"github.com/flotilla-sh/flotilla/pkg/controllers/reconciliation"
	"github.com/flotilla-sh/flotilla/pkg/events"
	"github.com/flotilla-sh/flotilla/pkg/metrics"
	"github.com/flotilla-sh/flotilla/pkg/operator/options"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session"
	"github.com/flotilla-sh/flotilla/pkg/store/postgres"
)

// Operator holds the assembled control plane.
type Operator struct {
	opts       *options.Options
	log        *zap.SugaredLogger
	store      *postgres.Store
	registry   *registry.Registry
	reconciler *reconciliation.Controller
	health     *health.Controller
	api        chi.Router
}

// NewOperator builds every component and returns a context carrying the
// logger and canceled on SIGINT/SIGTERM.
func NewOperator() (context.Context, *Operator) {
	opts := options.New().MustParse()
	log := newLogger(opts.LogLevel)
	ctx := logging.WithLogger(context.Background(), log)
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	clk := clock.RealClock{}
	cfg, err := config.New(ctx, opts.ConfigFile)
	if err != nil {
		log.Fatalf("loading config, %s", err)
	}

	st, err := postgres.Connect(ctx, opts.StoreDSN, clk)
	if err != nil {
		log.Fatalf("connecting to store, %s", err)
	}
	if opts.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			log.Fatalf("migrating store, %s", err)
		}
	}

	reg := registry.New(cfg.OutboundQueueSize())
	authenticator := auth.NewHMAC([]byte(opts.TokenSecret))
	recorder := events.NewDedupeRecorder(events.NewRecorder(log))
	lifecycle := pods.NewLifecycle(st, clk)

	reconciler := reconciliation.NewController(st, reg, lifecycle, recorder, cfg, clk)
	healthController := health.NewController(st, reg, lifecycle, recorder, cfg, clk, reconciler.Trigger)
	handlers := session.NewHandlers(st, reg, lifecycle, recorder, clk, reconciler.Trigger)
	sessionServer := session.NewServer(st, reg, handlers, authenticator, recorder, cfg, clk)
	api := admin.New(st, reg, lifecycle, reconciler, authenticator, clk)

	router := chi.NewRouter()
	router.Method(http.MethodGet, "/v1alpha1/session", sessionServer)
	router.Mount("/", api.Routes())

	return ctx, &Operator{
		opts:       opts,
		log:        log,
		store:      st,
		registry:   reg,
		reconciler: reconciler,
		health:     healthController,
		api:        router,
	}
}

// Start runs the controllers and listeners until the context is canceled,
// then drains.
func (o *Operator) Start(ctx context.Context) {
	go o.reconciler.Start(ctx)
	go o.health.Start(ctx)

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.opts.APIPort),
		Handler:           o.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	mgmt := chi.NewRouter()
	mgmt.Handle("/metrics", metrics.Handler())
	mgmt.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mgmtServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.opts.MetricsPort),
		Handler:           mgmt,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		o.log.Infof("serving api on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Fatalf("api server, %s", err)
		}
	}()
	go func() {
		o.log.Infof("serving metrics on %s", mgmtServer.Addr)
		if err := mgmtServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Fatalf("metrics server, %s", err)
		}
	}()

	<-ctx.Done()
	o.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(o.opts.ShutdownTimeout)*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = mgmtServer.Shutdown(shutdownCtx)
	if err := o.store.Close(); err != nil {
		o.log.Errorf("closing store, %s", err)
	}
	_ = o.log.Sync()
}

func newLogger(level string) *zap.SugaredLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}
