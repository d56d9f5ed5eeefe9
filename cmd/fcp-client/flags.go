package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds parsed command-line state for the client. The protocol
// arguments are positional (server, network nastiness, file nastiness,
// source directory); everything else is optional flags.
type cliConfig struct {
	server        string
	netNastiness  int
	fileNastiness int
	srcDir        string

	port        int
	logLevel    string
	gradingLog  string
	faultSeed   uint64
	noProgress  bool
	showVersion bool
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Correct syntax is: fcp-client [flags] <server> <networknastiness> <filenastiness> <srcdir>\n")
	fs.PrintDefaults()
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("fcp-client", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.IntVar(&cfg.port, "port", 5158, "UDP port the server listens on")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.gradingLog, "grading-log", "fcpclientgrading.txt", "Path of the grading audit log")
	fs.Uint64Var(&cfg.faultSeed, "fault-seed", 0, "Seed for the nastiness fault injectors (0 = time-based)")
	fs.BoolVar(&cfg.noProgress, "no-progress", false, "Disable the per-file progress bar")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	rest := fs.Args()
	if len(rest) != 4 {
		usage(fs)
		return nil, fmt.Errorf("expected 4 positional arguments, got %d", len(rest))
	}
	cfg.server = rest[0]

	var err error
	if cfg.netNastiness, err = parseNastiness(rest[1]); err != nil {
		usage(fs)
		return nil, fmt.Errorf("network nastiness: %w", err)
	}
	if cfg.fileNastiness, err = parseNastiness(rest[2]); err != nil {
		usage(fs)
		return nil, fmt.Errorf("file nastiness: %w", err)
	}
	cfg.srcDir = rest[3]

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
