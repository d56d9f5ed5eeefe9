package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alxayo/go-fcp/internal/fcp/audit"
	"github.com/alxayo/go-fcp/internal/fcp/dgram"
	"github.com/alxayo/go-fcp/internal/fcp/metrics"
	"github.com/alxayo/go-fcp/internal/fcp/nasty"
	"github.com/alxayo/go-fcp/internal/fcp/receiver"
	"github.com/alxayo/go-fcp/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		return 1
	}
	if cfg.showVersion {
		fmt.Println(version)
		return 0
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.WithSide(logger.Logger(), "server")

	if err := os.MkdirAll(cfg.targetDir, 0o755); err != nil {
		log.Error("cannot create target directory", "dir", cfg.targetDir, "error", err)
		return 1
	}

	grading, err := audit.Open(cfg.gradingLog)
	if err != nil {
		log.Error("cannot open grading log", "path", cfg.gradingLog, "error", err)
		return 1
	}
	defer grading.Close()

	seed := cfg.faultSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	ep, err := dgram.Listen(fmt.Sprintf(":%d", cfg.port))
	if err != nil {
		log.Error("cannot bind UDP socket", "port", cfg.port, "error", err)
		return 4
	}
	sock := nasty.WrapEndpoint(ep, cfg.netNastiness, seed)
	defer sock.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				log.Error("metrics listener failed", "addr", cfg.metricsAddr, "error", err)
			}
		}()
		log.Info("serving metrics", "addr", cfg.metricsAddr)
	}

	log.Info("listening", "version", version, "addr", ep.Addr().String(),
		"network_nastiness", cfg.netNastiness, "file_nastiness", cfg.fileNastiness,
		"target", cfg.targetDir)

	r := receiver.New(receiver.Config{
		Endpoint:  sock,
		Files:     nasty.NewFS(cfg.fileNastiness, seed+1),
		TargetDir: cfg.targetDir,
		Audit:     grading,
		Metrics:   m,
		Log:       log,
	})

	// Run only returns on an unrecoverable socket error; the server otherwise
	// serves sessions forever.
	if err := r.Run(); err != nil {
		log.Error("receiver stopped", "error", err)
		return 4
	}
	return 0
}
