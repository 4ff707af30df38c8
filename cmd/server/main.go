package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/gochat-presence/internal/api"
	"github.com/npezzotti/gochat-presence/internal/auth"
	"github.com/npezzotti/gochat-presence/internal/config"
	"github.com/npezzotti/gochat-presence/internal/database"
	"github.com/npezzotti/gochat-presence/internal/server"
	"github.com/npezzotti/gochat-presence/internal/stats"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dbDriver       string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	migrate        bool
)

func main() {
	logger := log.New(os.Stderr, "[gochat] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("load .env: ", err)
	}

	defaults, err := config.LoadEnvDefaults()
	if err != nil {
		logger.Fatal("config: ", err)
	}
	if defaults.SigningKey == "" {
		defaults.SigningKey = defaultSigningKey
	}
	allowedOrigins = defaults.AllowedOrigins

	flag.StringVar(&addr, "addr", defaults.Addr, "server address")
	flag.StringVar(&dbDriver, "db-driver", defaults.DatabaseDriver, "database driver: postgres, pgx or sqlite")
	flag.StringVar(&dsn, "dsn", defaults.DatabaseDSN, "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaults.SigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.BoolVar(&migrate, "migrate", false, "create missing tables before serving")
	flag.Parse()

	cfg, err := config.NewConfig(addr, dbDriver, dsn, signingKey, allowedOrigins, defaults.Chat)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	dbConn, err := database.NewDatabaseConnection(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if migrate {
		if err := dbConn.Migrate(context.Background()); err != nil {
			logger.Fatal(err)
		}
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, auth.NewJWTVerifier(cfg.SigningKey), statsUpdater, cfg.Chat)
	if err != nil {
		logger.Fatal("new chat server: ", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		chatServer.Run()
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Println("shutting down...")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutDownCtx); err != nil {
			logger.Println("HTTP server shutdown:", err)
		}

		logger.Println("shutting down chat server...")
		return chatServer.Shutdown(shutDownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Println("server:", err)
	}

	logger.Println("shutdown complete")
}
