// gatewayd is the security gateway message-exchange daemon.
//
// Usage:
//
//	gatewayd [global flags] [serve]
//	gatewayd [global flags] verify-chain [--from N] [--to N]
//	gatewayd [global flags] find --query-id ID [--since T] [--until T]
//
// Global flags:
//
//	--config      path to the YAML configuration (default gatewayd.yaml)
//	--log-format  json or text (default json)
//	--log-level   debug, info, warn or error (default info)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sirosfoundation/go-secgw/internal/config"
	"github.com/sirosfoundation/go-secgw/pkg/ledger"
)

// errChainBroken makes verify-chain exit non-zero
var errChainBroken = errors.New("hash chain verification failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logFormat  string
	logLevel   string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "gatewayd.yaml", "path to the configuration file")
	fs.StringVar(&g.logFormat, "log-format", "json", "log format: json or text")
	fs.StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn or error")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	fs := pflag.NewFlagSet("gatewayd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	g.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	command, rest := "serve", fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	logger, err := newLogger(stderr, g.logFormat, g.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}

	switch command {
	case "serve":
		if len(rest) > 0 {
			return fmt.Errorf("unexpected argument: %s", rest[0])
		}
		return serve(ctx, cfg, logger)
	case "verify-chain":
		return verifyChainCommand(ctx, cfg, logger, rest, stdout, stderr)
	case "find":
		return findCommand(ctx, cfg, logger, rest, stdout, stderr)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func verifyChainCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) error {
	var from, to uint64
	fs := pflag.NewFlagSet("verify-chain", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Uint64Var(&from, "from", 0, "first record number (default: first online record)")
	fs.Uint64Var(&to, "to", 0, "last record number (default: last record)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openLedger(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	report, err := a.ledger.VerifyChain(ctx, from, to)
	if err != nil {
		return err
	}
	if err := writeJSON(stdout, report); err != nil {
		return err
	}
	if !report.OK() {
		return errChainBroken
	}
	return nil
}

func findCommand(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) error {
	var queryID, since, until string
	fs := pflag.NewFlagSet("find", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&queryID, "query-id", "", "query id to look up (required)")
	fs.StringVar(&since, "since", "", "only records at or after this RFC 3339 time")
	fs.StringVar(&until, "until", "", "only records at or before this RFC 3339 time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if queryID == "" {
		return errors.New("--query-id is required")
	}
	window, err := parseWindow(since, until)
	if err != nil {
		return err
	}

	a, err := openLedger(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	rec, err := a.ledger.FindByQueryID(ctx, queryID, window)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record for query id %q", queryID)
	}
	return writeJSON(stdout, foundRecord{
		MessageRecord: rec,
		State:         rec.State().String(),
		Message:       string(rec.Message),
		Signature:     rec.Signature,
	})
}

// foundRecord adds the payload fields hidden from the record's own JSON form
type foundRecord struct {
	*ledger.MessageRecord
	State     string `json:"state"`
	Message   string `json:"message"`
	Signature []byte `json:"signature"`
}

func parseWindow(since, until string) (ledger.Window, error) {
	var w ledger.Window
	var err error
	if since != "" {
		if w.From, err = time.Parse(time.RFC3339, since); err != nil {
			return w, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if w.To, err = time.Parse(time.RFC3339, until); err != nil {
			return w, fmt.Errorf("invalid --until: %w", err)
		}
	}
	return w, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
