package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"

	ferrors "github.com/alxayo/go-fcp/internal/errors"
	"github.com/alxayo/go-fcp/internal/fcp/audit"
	"github.com/alxayo/go-fcp/internal/fcp/dgram"
	"github.com/alxayo/go-fcp/internal/fcp/metrics"
	"github.com/alxayo/go-fcp/internal/fcp/nasty"
	"github.com/alxayo/go-fcp/internal/fcp/sender"
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
	log := logger.WithSide(logger.Logger(), "client")

	// The source directory must exist and be a directory before any socket
	// work starts.
	st, err := os.Stat(cfg.srcDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error stating supplied source directory %s\n", cfg.srcDir)
		return 8
	}
	if !st.IsDir() {
		fmt.Fprintf(os.Stderr, "File %s exists but is not a directory\n", cfg.srcDir)
		return 8
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

	ep, err := dgram.Dial(net.JoinHostPort(cfg.server, strconv.Itoa(cfg.port)))
	if err != nil {
		log.Error("cannot reach server", "server", cfg.server, "error", err)
		return 4
	}
	sock := nasty.WrapEndpoint(ep, cfg.netNastiness, seed)
	defer sock.Close()

	files := nasty.NewFS(cfg.fileNastiness, seed+1)
	m := metrics.New(nil)

	log.Info("starting", "version", version, "server", cfg.server,
		"network_nastiness", cfg.netNastiness, "file_nastiness", cfg.fileNastiness,
		"src", cfg.srcDir)

	entries, err := os.ReadDir(cfg.srcDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening source directory %s\n", cfg.srcDir)
		return 8
	}

	attempted, succeeded := 0, 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		attempted++

		s := sender.New(sender.Config{
			Endpoint: sock,
			Files:    files,
			Audit:    grading,
			Metrics:  m,
			Log:      log,
			Progress: progressHook(name, cfg.noProgress),
		})
		err := s.SendFile(cfg.srcDir, name)
		switch {
		case err == nil:
			succeeded++
		case ferrors.IsTransportFatal(err):
			log.Error("transport failed, giving up", "file", name, "error", err)
			return 4
		default:
			// Stalled sessions and end-to-end failures are per-file outcomes;
			// the remaining files still get their chance.
			log.Error("file transfer failed", "file", name, "error", err)
		}
	}

	log.Info("run complete", "attempted", attempted, "succeeded", succeeded)
	return 0
}

// progressHook builds the per-file progress callback. The bar is created on
// the first report, when the packet count is known.
func progressHook(name string, disabled bool) func(sent, total int) {
	if disabled {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(sent, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(name),
				progressbar.OptionSetItsString("pkt"),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(sent)
	}
}
