// Command server runs a reference authkit deployment with a password
// provider and a selectable storage backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"go.pilab.hu/authkit"
	"go.pilab.hu/authkit/config"
	applog "go.pilab.hu/authkit/log"
	"go.pilab.hu/authkit/provider"
	"go.pilab.hu/authkit/storage"
	"go.pilab.hu/authkit/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	applog.Setup(cfg.LogLevel, cfg.LogPretty)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("storage_driver", cfg.StorageDriver).
		Msg("starting authkit server")

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracer provider shutdown failed")
		}
	}()

	ctx := context.Background()

	store, cleanup, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer cleanup()

	issuer, err := authkit.New(authkit.Config{
		Storage: store,
		Providers: map[string]provider.Provider{
			"password": passwordProvider(),
		},
		Success: func(si *authkit.SubjectIssuer, c echo.Context, result provider.Result) error {
			return si.Subject(c, "user", map[string]string{
				"email": result.Claims["email"],
			}, nil)
		},
		TTLAccess:       time.Duration(cfg.AccessTokenTTLMin) * time.Minute,
		TTLRefresh:      time.Duration(cfg.RefreshTokenTTLHour) * time.Hour,
		TTLRefreshReuse: time.Duration(cfg.RefreshReuseSec) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create issuer")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	if err := issuer.Register(e); err != nil {
		log.Fatal().Err(err).Msg("failed to register routes")
	}

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

// openStorage creates the configured storage backend and returns it
// with a cleanup function for shutdown.
func openStorage(ctx context.Context, cfg *config.ServerConfig) (storage.Storage, func(), error) {
	switch cfg.StorageDriver {
	case "memory":
		store := storage.NewMemoryStore()
		return store, func() { _ = store.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("redis close failed")
			}
		}
		return storage.NewRedisStore(client, "authkit"), cleanup, nil

	case "mongo":
		opts := mongooptions.Client().
			ApplyURI(cfg.MongoURI).
			SetMonitor(otelmongo.NewMonitor())
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		store, err := storage.NewMongoStore(ctx, client.Database(cfg.MongoDBName), "authkit")
		if err != nil {
			return nil, nil, fmt.Errorf("mongo store: %w", err)
		}
		cleanup := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Error().Err(err).Msg("mongo disconnect failed")
			}
		}
		return store, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// passwordProvider builds a password provider with plain HTML screens.
// A real deployment replaces the renderers and code delivery.
func passwordProvider() provider.Provider {
	return provider.Password(provider.PasswordConfig{
		SendCode: func(_ context.Context, email, code string) error {
			log.Info().Str("email", email).Str("code", code).Msg("verification code")
			return nil
		},
		Login: func(c echo.Context, err error) error {
			return c.HTML(http.StatusOK, loginPage(err))
		},
		Register: func(c echo.Context, state provider.PasswordRegisterState, err error) error {
			return c.HTML(http.StatusOK, registerPage(state, err))
		},
		Change: func(c echo.Context, state provider.PasswordChangeState, err error) error {
			return c.HTML(http.StatusOK, changePage(state, err))
		},
	})
}

func errorLine(err error) string {
	if err == nil {
		return ""
	}
	return "<p>" + html.EscapeString(err.Error()) + "</p>"
}

func loginPage(err error) string {
	return `<!DOCTYPE html><title>Sign in</title>` + errorLine(err) + `
<form method="post">
<input name="email" type="email" placeholder="email">
<input name="password" type="password" placeholder="password">
<button>Sign in</button>
</form>
<p><a href="register">Register</a> · <a href="change">Forgot password</a></p>`
}

func registerPage(state provider.PasswordRegisterState, err error) string {
	if state.Type == "code" {
		return `<!DOCTYPE html><title>Verify</title>` + errorLine(err) + `
<form method="post">
<input type="hidden" name="action" value="verify">
<input name="code" placeholder="verification code">
<button>Verify</button>
</form>`
	}
	return `<!DOCTYPE html><title>Register</title>` + errorLine(err) + `
<form method="post">
<input type="hidden" name="action" value="register">
<input name="email" type="email" placeholder="email">
<input name="password" type="password" placeholder="password">
<input name="repeat" type="password" placeholder="confirm password">
<button>Register</button>
</form>`
}

func changePage(state provider.PasswordChangeState, err error) string {
	switch state.Type {
	case "code":
		return `<!DOCTYPE html><title>Verify</title>` + errorLine(err) + `
<form method="post">
<input type="hidden" name="action" value="verify">
<input name="code" placeholder="verification code">
<button>Verify</button>
</form>`
	case "update":
		return `<!DOCTYPE html><title>New password</title>` + errorLine(err) + `
<form method="post">
<input type="hidden" name="action" value="update">
<input name="password" type="password" placeholder="new password">
<input name="repeat" type="password" placeholder="confirm password">
<button>Update</button>
</form>`
	default:
		return `<!DOCTYPE html><title>Reset password</title>` + errorLine(err) + `
<form method="post">
<input type="hidden" name="action" value="code">
<input name="email" type="email" placeholder="email">
<button>Send code</button>
</form>`
	}
}
