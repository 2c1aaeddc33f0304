package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/agent"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/transport"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	// Define flags
	modeFlag := flag.String("m", "", "Execution mode: 'auto' or 'prompt' (defaults to the configured mode)")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	sessionDirFlag := flag.String("session-dir", "", "Directory for saved sessions (overrides session.dir)")
	traceFlag := flag.Bool("trace", false, "Enable debug logging to troubleshoot issues")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.Mode = *modeFlag
	}
	if *sessionDirFlag != "" {
		cfg.Session.Dir = *sessionDirFlag
	}
	if *traceFlag {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %+v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries protocol frames only.
	if err := serve(ctx, cfg, *toolsetFlag, transport.Stdio(transport.WithLogger(log)), log); err != nil {
		log.Error("agent stopped with an error", zap.Error(err))
		os.Exit(1)
	}
}

// serve runs the reference agent on t until the client disconnects or ctx
// ends.
func serve(ctx context.Context, cfg *config.Config, toolset string, t transport.Transport, log *logger.Logger) error {
	a, err := agent.New(cfg, toolset, agent.Mode(cfg.Mode), log)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Close()

	opts := []acp.Option{
		acp.WithLogger(log),
		acp.WithInfo("acpconn-agent", version),
		acp.WithVersions(cfg.MinProtocolVersion, cfg.ProtocolVersion),
		acp.WithIdleTimeout(cfg.Session.IdleTimeout),
	}
	if cfg.Session.Dir != "" {
		opts = append(opts, acp.WithSessionDir(cfg.Session.Dir))
	}
	conn, err := acp.NewAgentConn(t, a, opts...)
	if err != nil {
		return err
	}
	log.Info("serving ACP on stdio", zap.String("mode", cfg.Mode), zap.String("toolset", a.Toolset.Name))
	return conn.Serve(ctx)
}
