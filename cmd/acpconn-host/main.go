package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/host"
	"github.com/m4xw311/acpconn/logger"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	// Define flags
	agentFlag := flag.String("agent", "", "Agent command to launch (overrides agent.command)")
	resumeFlag := flag.String("r", "", "Resume a saved session by id")
	cwdFlag := flag.String("cwd", "", "Session working directory (defaults to the current directory)")
	verboseFlag := flag.Bool("v", false, "Show tool arguments and results")
	traceFlag := flag.Bool("trace", false, "Enable debug logging to troubleshoot issues")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *agentFlag != "" {
		cfg.Agent.Command = *agentFlag
	}
	if *traceFlag {
		cfg.Logging.Level = "debug"
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	cwd := *cwdFlag
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			fmt.Fprintf(os.Stderr, "Error getting working directory: %+v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	// Get initial prompt from remaining arguments
	initialPrompt := strings.Join(flag.Args(), " ")
	if err := run(ctx, cfg, cwd, *resumeFlag, initialPrompt, *verboseFlag, log); err != nil {
		fmt.Fprintf(os.Stderr, "Host stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cwd, resume, initialPrompt string, verbose bool, log *logger.Logger) error {
	proc, err := host.Spawn(cfg.Agent, log)
	if err != nil {
		return err
	}
	defer proc.Close()

	term := host.NewTerminal(os.Stdin, os.Stdout, host.NewFileSystem(cwd, cfg.FilesystemAccess, log), verbose)
	conn, err := acp.NewClientConn(proc.Transport, term,
		acp.WithLogger(log),
		acp.WithInfo("acpconn-host", version),
		acp.WithVersions(cfg.MinProtocolVersion, cfg.ProtocolVersion),
	)
	if err != nil {
		return err
	}
	conn.Start(ctx)
	defer conn.Close()

	if _, err := conn.Initialize(ctx); err != nil {
		return err
	}

	sessionID := resume
	if resume != "" {
		if err := conn.LoadSession(ctx, resume, cwd, nil); err != nil {
			return err
		}
		fmt.Printf("Resuming session: %s\n", sessionID)
	} else {
		if sessionID, err = conn.NewSession(ctx, cwd, nil); err != nil {
			return err
		}
		fmt.Printf("Starting new session: %s\n", sessionID)
	}
	log.Debug("session ready", zap.String("session_id", sessionID), zap.String("cwd", cwd))

	// Ctrl-C cancels the running turn instead of ending the host.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	term.Interrupts = interrupts

	fmt.Println("Agent is ready. Type your prompt.")
	return term.Run(ctx, conn, sessionID, initialPrompt)
}
