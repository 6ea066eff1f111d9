package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"connectrpc.com/connect"
	"github.com/PitiGo/presupuesto-facil/internal/aggregator"
	"github.com/PitiGo/presupuesto-facil/internal/auth"
	"github.com/PitiGo/presupuesto-facil/internal/banksync"
	"github.com/PitiGo/presupuesto-facil/internal/budget"
	"github.com/PitiGo/presupuesto-facil/internal/config"
	"github.com/PitiGo/presupuesto-facil/internal/logger"
	"github.com/PitiGo/presupuesto-facil/internal/service"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/api/option"
)

func newApp(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			func(cfg *config.Config) (*zap.Logger, error) { return logger.NewLogger(cfg.Logging) },
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		storeModule,
		aggregatorModule,
		serviceModule,
		fx.Invoke(func(*http.Server) {}),
	)
}

var storeModule = fx.Module("store",
	fx.Provide(newStore),
)

// newStore opens the configured backend and closes it on shutdown.
func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	log = log.Named("store")
	switch cfg.Store.Driver {
	case config.StoreFirestore:
		var opts []option.ClientOption
		if cfg.Auth.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Auth.CredentialsFile))
		}
		client, err := firestore.NewClient(context.Background(), cfg.Store.ProjectID, opts...)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(client.Close))
		log.Info("using firestore", zap.String("project_id", cfg.Store.ProjectID))
		return store.NewFirestoreStore(client), nil

	case config.StoreSQLite, config.StorePostgres:
		s, err := store.NewSQLStore(context.Background(), cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		log.Info("using sql store", zap.String("driver", cfg.Store.Driver))
		return s, nil

	default:
		log.Info("using in-memory store for local development")
		return store.NewMemoryStore(), nil
	}
}

var aggregatorModule = fx.Module("aggregator",
	fx.Provide(
		func(cfg *config.Config) aggregator.Config { return cfg.TrueLayer },
		aggregator.NewOAuthConfig,
		aggregator.NewHTTPClient,
		aggregator.NewTokenStore,
		aggregator.NewClient,
		newCodeGuard,
		newStateSigner,
	),
)

func newCodeGuard(lc fx.Lifecycle, cfg aggregator.Config) *aggregator.CodeGuard {
	guard := aggregator.NewCodeGuard(cfg.CodeTTL)
	lc.Append(fx.StopHook(guard.Stop))
	return guard
}

func newStateSigner(cfg aggregator.Config, log *zap.Logger) *aggregator.StateSigner {
	secret := cfg.StateSecret
	if secret == "" {
		// Only reachable with the memory store. States do not survive a restart.
		log.Warn("truelayer.state_secret not set, using a random per-process secret")
		secret = uuid.NewString()
	}
	return aggregator.NewStateSigner(secret, cfg.StateTTL)
}

var serviceModule = fx.Module("service",
	fx.Provide(
		budget.NewReconciler,
		banksync.NewPipeline,
		service.NewOrchestrator,
		service.NewBudgetService,
		newInterceptors,
		newHTTPServer,
	),
)

// newInterceptors verifies Firebase ID tokens unless the server runs on the
// memory store or with auth.skip_auth, where a local development user is
// assumed.
func newInterceptors(cfg *config.Config, log *zap.Logger) ([]connect.Interceptor, error) {
	interceptors := []connect.Interceptor{
		service.ErrorInterceptor(log),
		auth.DebugAuthInterceptor(cfg.Auth.SkipAuth),
	}
	if cfg.Store.Driver == config.StoreMemory || cfg.Auth.SkipAuth {
		log.Warn("identity verification disabled, requests run as the local development user")
		return append(interceptors, auth.LocalDevInterceptor()), nil
	}
	firebaseAuth, err := auth.NewFirebaseAuth(context.Background(), cfg.Store.ProjectID, cfg.Auth.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return append(interceptors, auth.AuthInterceptor(firebaseAuth, log)), nil
}

func newHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	svc *service.BudgetService,
	sync *service.Orchestrator,
	interceptors []connect.Interceptor,
) *http.Server {
	log = log.Named("http")

	mux := http.NewServeMux()
	path, handler := service.NewBudgetServiceHandler(svc, connect.WithInterceptors(interceptors...))
	mux.Handle(path, handler)
	mux.Handle(service.CallbackPath, service.NewCallbackHandler(sync, cfg.Server.FrontendURL, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Connect-Protocol-Version",
			"Connect-Timeout-Ms",
			"Content-Type",
			"User-Agent",
			"X-Debug-Impersonate-User",
		},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("starting server", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
