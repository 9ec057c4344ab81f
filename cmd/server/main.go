package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jamlabs/go-jamroom/internal/api"
	"github.com/jamlabs/go-jamroom/internal/catalogue"
	"github.com/jamlabs/go-jamroom/internal/config"
	"github.com/jamlabs/go-jamroom/internal/ledger"
	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/internal/server"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/internal/storage"
	"github.com/jamlabs/go-jamroom/internal/uploads"
	"github.com/joho/godotenv"
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
	catalogueURL   string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&catalogueURL, "catalogue-url", "http://localhost:4533", "base URL of the music catalogue")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[jamroom] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("loading .env:", err)
	}

	cfg, err := config.NewConfig(addr, catalogueURL, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.ApplyEnv()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.RegisterMetric(stats.RoomsCreated)
	statsUpdater.RegisterMetric(stats.ConnectedClients)
	statsUpdater.RegisterMetric(stats.SyncBroadcasts)
	statsUpdater.RegisterMetric(stats.UploadsStored)
	statsUpdater.RegisterMetric(stats.UploadsSwept)

	reg := registry.NewRegistry(logger, registry.NewMemStore())

	cat := catalogue.NewClient(cfg.CatalogueURL, cfg.CatalogueAdminUser, cfg.CatalogueAdminPass, logger)

	var uploadStore *uploads.Store
	var likeNotifier server.LikeNotifier
	if cfg.SFTP.Configured() {
		files := storage.NewSFTPStore(cfg.SFTP)
		led := ledger.NewLedger(files, logger)
		uploadStore = uploads.NewStore(files, led, cat, statsUpdater, logger)
		likeNotifier = uploadStore
	} else {
		logger.Println("remote storage not configured, uploads disabled")
	}

	jamServer, err := server.NewJamServer(logger, reg, likeNotifier, statsUpdater)
	if err != nil {
		logger.Fatal("new jam server:", err)
	}

	srv := api.NewJamApp(mux, logger, jamServer, reg, cat, uploadStore, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go jamServer.Run()

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go jamServer.RunSweeper(sweepCtx)
	if uploadStore != nil {
		go uploadStore.RunSweeper(sweepCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	stopSweeps()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down jam server...")
	jamServer.Shutdown()

	logger.Println("shutdown complete")
}
