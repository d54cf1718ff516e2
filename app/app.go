package roomchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/roomchat/gateway"
	"github.com/putto11262002/roomchat/pkg/router"
)

const shutdownTimeout = 10 * time.Second

// App runs the chat gateway.
type App struct {
	config     *Config
	logger     *slog.Logger
	db         *gateway.SQLiteDB
	broker     gateway.Broker
	transcript gateway.TranscriptStore
	manager    *gateway.Manager
	router     *router.Router
	server     *http.Server

	cleanupFuncs []func(context.Context)
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// NewLogger builds the text logger used by the commands.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the gateway described by config. Resources acquired before a
// failure are released.
func New(ctx context.Context, config *Config, opts ...Option) (_ *App, err error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	app := &App{config: config}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = slog.Default()
	}
	defer func() {
		if err != nil {
			app.cleanup(context.Background())
		}
	}()

	if config.Transcript.Enabled {
		app.db, err = gateway.NewSQLiteDB(config.Transcript.File, &gateway.SQLiteDBOption{
			Mode:        "rwc",
			Cache:       "shared",
			JournalMode: "WAL",
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			app.db.Close()
		})
		if err := app.db.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		app.transcript = gateway.NewSQLiteTranscriptStore(app.db.DB)
	}

	switch config.Broker.Kind {
	case RedisBroker:
		app.broker, err = gateway.NewRedisBroker(ctx, config.Broker.Redis, app.logger.WithGroup("broker"))
		if err != nil {
			return nil, err
		}
	default:
		app.broker = gateway.NewLocalBroker()
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.broker.Close()
	})

	managerOpts := []gateway.ManagerOption{
		gateway.WithLogger(app.logger.WithGroup("gateway")),
		gateway.WithWSConfig(config.WebSocket),
		gateway.WithCheckOrigin(originChecker(config.AllowedOrigins)),
	}
	if app.transcript != nil {
		managerOpts = append(managerOpts, gateway.WithTranscript(app.transcript))
	}
	app.manager = gateway.NewManager(app.broker, managerOpts...)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	gateway.NewHandler(app.manager, gateway.NewQueryAuthenticator(config.Auth.Secret),
		app.transcript, app.logger).Routes(app.router)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = prodTLSConfig()
	}
	return app, nil
}

func (app *App) Handler() http.Handler {
	return app.router
}

// Run listens on the configured address and serves until ctx is done.
func (app *App) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		app.cleanup(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	return app.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then shuts down gracefully.
func (app *App) Serve(ctx context.Context, l net.Listener) error {
	if err := app.manager.Start(ctx); err != nil {
		l.Close()
		app.cleanup(context.Background())
		return err
	}
	// cleanups run in reverse, the server stops first
	app.AddCleanupFunc(func(ctx context.Context) {
		if err := app.manager.Close(ctx); err != nil {
			app.logger.Error(fmt.Sprintf("closing connections: %v", err))
		}
	})
	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})

	errc := make(chan error, 1)
	go func() {
		if app.config.TLS.Crt != "" {
			errc <- app.server.ServeTLS(l, app.config.TLS.Crt, app.config.TLS.Key)
			return
		}
		errc <- app.server.Serve(l)
	}()
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, l.Addr()))

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.cleanup(closeCtx); err != nil {
		app.logger.Info("app shutdown timed out")
		return errors.Join(serveErr, err)
	}
	app.logger.Info("app shutdown gracefully")
	return serveErr
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// cleanup runs the cleanup functions, last added first.
func (app *App) cleanup(ctx context.Context) error {
	for _, f := range slices.Backward(app.cleanupFuncs) {
		f(ctx)
	}
	app.cleanupFuncs = nil
	return ctx.Err()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
