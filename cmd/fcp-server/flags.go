package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds parsed command-line state for the server. The protocol
// arguments are positional (network nastiness, file nastiness, target
// directory); everything else is optional flags.
type cliConfig struct {
	netNastiness  int
	fileNastiness int
	targetDir     string

	port        int
	logLevel    string
	gradingLog  string
	metricsAddr string
	faultSeed   uint64
	showVersion bool
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Correct syntax is: fcp-server [flags] <networknastiness> <filenastiness> <targetdir>\n")
	fs.PrintDefaults()
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("fcp-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.IntVar(&cfg.port, "port", 5158, "UDP port to listen on")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.gradingLog, "grading-log", "fcpservergrading.txt", "Path of the grading audit log")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Optional HTTP listen address for Prometheus /metrics (empty = disabled)")
	fs.Uint64Var(&cfg.faultSeed, "fault-seed", 0, "Seed for the nastiness fault injectors (0 = time-based)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	rest := fs.Args()
	if len(rest) != 3 {
		usage(fs)
		return nil, fmt.Errorf("expected 3 positional arguments, got %d", len(rest))
	}

	var err error
	if cfg.netNastiness, err = parseNastiness(rest[0]); err != nil {
		usage(fs)
		return nil, fmt.Errorf("network nastiness: %w", err)
	}
	if cfg.fileNastiness, err = parseNastiness(rest[1]); err != nil {
		usage(fs)
		return nil, fmt.Errorf("file nastiness: %w", err)
	}
	cfg.targetDir = rest[2]

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		usage(fs)
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}
	return cfg, nil
}

// parseNastiness accepts a small non-negative integer.
func parseNastiness(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}
