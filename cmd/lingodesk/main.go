package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"lingodesk/internal/app"
	"lingodesk/pkg/banner"
	"lingodesk/pkg/config"
	"lingodesk/pkg/logger"
)

func main() {
	// build metadata - set via ldflags during build/release
	var (
		version   = "dev"
		commit    = "none"
		buildDate = "unknown"
	)
	_ = godotenv.Load(".env")
	addrVal, backendVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags win over config/env when explicitly provided.
	if setFlags["addr"] {
		host, port, ok := strings.Cut(addrVal, ":")
		cfg.Server.Address = host
		if ok {
			if pi, perr := strconv.Atoi(port); perr == nil {
				cfg.Server.Port = pi
			}
		}
	}
	if setFlags["backend"] {
		cfg.Backend.BaseURL = backendVal
	}

	logger.InitWithLevel(cfg.Logging.Level, cfg.Logging.Format)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		log.Fatalf("failed to start sync session: %v", err)
	}

	// Config sources summary for the banner (flags/env/config).
	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if _, err := config.Load(cfgPath); err == nil {
		srcs = append(srcs, "config")
	}
	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr = verStr + " @ " + buildDate
	}
	banner.Print(cfg, strings.Join(srcs, ", "), verStr)

	mux := http.NewServeMux()
	mux.Handle("/", a.APIServer().Router())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Addr(), Handler: mux}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
		cancel()
		a.Stop()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
