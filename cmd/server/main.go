package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

type flags struct {
	envFile   string
	addr      string
	driver    string
	storePath string
	logLevel  string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	fs.StringVar(&f.addr, "addr", "", "listen address (overrides SERVER_ADDR)")
	fs.StringVar(&f.driver, "store", "", "message store: memory, badger, sqlite or redis (overrides STORE_DRIVER)")
	fs.StringVar(&f.storePath, "store-path", "", "badger directory or sqlite file (overrides STORE_PATH)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	return f, fs.Parse(args)
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(f flags) error {
	// a missing .env is fine
	_ = godotenv.Load(f.envFile)

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	var storeCfg store.Config
	if err := envconfig.Process("", &storeCfg); err != nil {
		return fmt.Errorf("load store config: %w", err)
	}
	applyFlags(f, &cfg, &storeCfg)

	authn, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", storeCfg.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("Closing store failed", zap.Error(err))
		}
	}()
	log.Info("Message store ready", zap.String("driver", storeCfg.Driver))

	gw := server.NewGateway(cfg, st,
		server.WithLogger(log),
		server.WithAuthenticator(authn),
	)
	gw.Start()

	srv := server.CreateServer(cfg.Addr, server.SetupRoutes(gw))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.StartServer(srv, log) }()

	select {
	case err := <-serveErr:
		_ = gw.Shutdown(cfg.ShutdownTimeout)
		return err
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(srv, gw, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	log.Info("Server stopped")
	return nil
}

func applyFlags(f flags, cfg *server.Config, storeCfg *store.Config) {
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.driver != "" {
		storeCfg.Driver = f.driver
	}
	if f.storePath != "" {
		storeCfg.Path = f.storePath
	}
}

var errSecretRequired = errors.New("ALLOW_ANONYMOUS=false requires JWT_SECRET")

func newAuthenticator(cfg server.Config) (auth.Authenticator, error) {
	if cfg.JWTSecret == "" {
		if !cfg.AllowAnonymous {
			return nil, errSecretRequired
		}
		return auth.Anonymous{}, nil
	}
	return auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer, cfg.AllowAnonymous), nil
}
