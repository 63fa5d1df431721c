package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kirobox/kirobox/internal/config"
	"github.com/kirobox/kirobox/internal/data/db"
	"github.com/kirobox/kirobox/internal/obs"
	"github.com/kirobox/kirobox/internal/obs/otel"
	"github.com/kirobox/kirobox/internal/server"
	"github.com/kirobox/kirobox/internal/util"
	"github.com/kirobox/kirobox/internal/util/lock"
)

// URL templates for displaying to users
const (
	openAIEndpointTpl    = "http://%s:%d/v1/chat/completions"
	anthropicEndpointTpl = "http://%s:%d/v1/messages"
	bufferedEndpointTpl  = "http://%s:%d/cc/v1/messages"
)

// shutdownTimeout bounds graceful shutdown; in-flight streams past it are cut.
const shutdownTimeout = 10 * time.Second

// printBanner prints the gateway access banner.
func printBanner(host string, port int, daemon bool) {
	resolved := util.ResolveHost(host)
	fmt.Println("\nYou can reach the gateway at:")
	fmt.Printf("  OpenAI API:    "+openAIEndpointTpl+"\n", resolved, port)
	fmt.Printf("  Anthropic API: "+anthropicEndpointTpl+"\n", resolved, port)
	fmt.Printf("  Buffered API:  "+bufferedEndpointTpl+"\n", resolved, port)

	if daemon {
		fmt.Println("\nServer is running in background. Use 'kirobox stop' to stop.")
	}
}

// serveFlags holds the raw flag values of the serve command.
type serveFlags struct {
	port         int
	host         string
	debug        bool
	daemon       bool
	otlpEndpoint string
	otlpProtocol string
}

func addServeFlags(cmd *cobra.Command, flags *serveFlags) {
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Server port (default: from config or 8990)")
	cmd.Flags().StringVar(&flags.host, "host", "localhost", "Server host")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug mode: debug logging plus the failed-request sink (default: from config)")
	cmd.Flags().BoolVar(&flags.daemon, "daemon", false, "Run in the background (default: false)")
	cmd.Flags().StringVar(&flags.otlpEndpoint, "otlp-endpoint", "", "OTLP endpoint to mirror metrics to (default: none)")
	cmd.Flags().StringVar(&flags.otlpProtocol, "otlp-protocol", "http", "OTLP transport, http or grpc")
}

// serveOptions are the resolved options, flag values merged with config.
type serveOptions struct {
	Port         int
	Host         string
	Debug        bool
	Daemon       bool
	OTLPEndpoint string
	OTLPProtocol string
}

// resolveServeOptions applies the priority CLI flag > config > default.
func resolveServeOptions(cmd *cobra.Command, flags serveFlags, settings *config.Settings) serveOptions {
	debug := flags.debug
	if !cmd.Flags().Changed("debug") {
		debug = settings.GetDebug()
	}

	port := flags.port
	if port == 0 {
		port = settings.GetServerPort()
	}

	return serveOptions{
		Port:         port,
		Host:         flags.host,
		Debug:        debug,
		Daemon:       flags.daemon,
		OTLPEndpoint: flags.otlpEndpoint,
		OTLPProtocol: flags.otlpProtocol,
	}
}

// runServe starts the gateway and blocks until it stops.
func runServe(app *App, verbose bool, opts serveOptions) error {
	settings, err := app.Settings()
	if err != nil {
		return err
	}

	logDir := config.GetLogDir(settings.ConfigDir())
	obs.SetupLogging(logDir, verbose || settings.GetVerbose(), opts.Debug)

	if opts.Daemon && !util.IsDaemonProcess() {
		fmt.Println("Starting daemon process...")
		fmt.Printf("Logging to: %s\n", logDir)
		fmt.Printf("Server starting on port %d...\n", opts.Port)
		printBanner(opts.Host, opts.Port, true)

		// Daemonize re-executes the command in the background and exits
		// this process.
		return util.Daemonize()
	}

	fileLock := lock.NewFileLock(settings.ConfigDir())
	if fileLock.IsLocked() {
		fmt.Printf("Server is already running on port %d\n", opts.Port)
		fmt.Println("Tip: Use 'kirobox stop' to stop the running server first")
		return nil
	}
	if !util.IsPortAvailable(opts.Port) {
		if alt, err := util.GetAvailablePort(opts.Port+1, opts.Port+100); err == nil {
			fmt.Printf("Tip: port %d is free, try --port %d\n", alt, alt)
		}
		return fmt.Errorf("port %d is already in use by another process", opts.Port)
	}
	if err := fileLock.TryLock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer fileLock.Unlock()

	usageStore, err := db.NewUsageStore(settings.ConfigDir())
	if err != nil {
		return fmt.Errorf("failed to open usage store: %w", err)
	}
	defer usageStore.Close()

	otelCfg := otel.DefaultConfig()
	otelCfg.StdoutEnabled = opts.Debug
	otelCfg.OTLPEndpoint = opts.OTLPEndpoint
	otelCfg.OTLPProtocol = opts.OTLPProtocol
	meterSetup, err := otel.NewMeterSetup(context.Background(), otelCfg, usageStore)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	srv, err := server.NewServer(settings,
		server.WithVersion(app.Version),
		server.WithHost(opts.Host),
		server.WithTracker(meterSetup.Tracker()),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(opts.Port)
	}()

	fmt.Printf("Server starting on port %d...\n", opts.Port)
	printBanner(opts.Host, opts.Port, false)

	select {
	case err := <-serverErr:
		meterSetup.Shutdown(context.Background())
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-sigChan:
		fmt.Println("\nReceived shutdown signal, stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		stopErr := srv.Stop(ctx)
		// Flush pending metric deltas into the usage store before it closes.
		if err := meterSetup.Shutdown(ctx); err != nil {
			logrus.Warnf("Failed to shut down metrics: %v", err)
		}
		return stopErr
	}
}

// stopServerWithFileLock signals the recorded PID and waits for the lock to
// clear, escalating to SIGKILL after 30 seconds.
func stopServerWithFileLock(fileLock *lock.FileLock) error {
	pid, err := fileLock.GetPID()
	if err != nil {
		return fmt.Errorf("lock file does not exist or is invalid: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send shutdown signal: %w", err)
	}

	for i := 0; i < 30; i++ {
		if !fileLock.IsLocked() {
			return nil
		}
		time.Sleep(1 * time.Second)
	}

	fmt.Println("Server didn't stop gracefully, force killing...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to force kill process: %w", err)
	}
	return nil
}

// ServeCommand starts the gateway server.
func ServeCommand(app *App) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kirobox gateway server",
		Long: `Start the HTTP gateway that serves OpenAI- and Anthropic-compatible
endpoints backed by the configured upstream credentials and external accounts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.Settings()
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			return runServe(app, verbose, resolveServeOptions(cmd, flags, settings))
		},
	}

	addServeFlags(cmd, &flags)
	return cmd
}

// StopCommand stops a running gateway server.
func StopCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the kirobox gateway server",
		Long: `Stop the running gateway gracefully. In-flight requests get a grace
period before the process is force killed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.Settings()
			if err != nil {
				return err
			}

			fileLock := lock.NewFileLock(settings.ConfigDir())
			if !fileLock.IsLocked() {
				fmt.Println("Server is not running")
				return nil
			}

			fmt.Println("Stopping server...")
			if err := stopServerWithFileLock(fileLock); err != nil {
				return fmt.Errorf("failed to stop server: %w", err)
			}
			// The lock clears slightly before the listener does; wait for
			// the port so "stopped" means restartable.
			if err := util.WaitForPortAvailable(settings.GetServerPort(), 5*time.Second); err != nil {
				logrus.Warnf("Server stopped but %v", err)
			}
			fmt.Println("Server stopped successfully")
			return nil
		},
	}
}

// StatusCommand reports whether the gateway runs and what it has configured.
func StatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check server status and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.Settings()
			if err != nil {
				return err
			}

			fileLock := lock.NewFileLock(settings.ConfigDir())
			port := settings.GetServerPort()

			fmt.Println("=== Kirobox Status ===")
			fmt.Printf("Server Status: ")
			if fileLock.IsLocked() {
				fmt.Printf("Running\n")
				if pid, err := fileLock.GetPID(); err == nil {
					fmt.Printf("PID: %d\n", pid)
				}
				fmt.Printf("Port: %d\n", port)
				resolved := util.ResolveHost("localhost")
				fmt.Printf("OpenAI Endpoint: "+openAIEndpointTpl+"\n", resolved, port)
				fmt.Printf("Anthropic Endpoint: "+anthropicEndpointTpl+"\n", resolved, port)
			} else {
				fmt.Printf("Stopped\n")
			}

			fmt.Printf("\nConfig Directory: %s\n", settings.ConfigDir())
			fmt.Printf("Self-Use Mode: %v\n", settings.GetSelfUse())
			fmt.Printf("Region: %s\n", settings.GetRegion())

			credStore, err := app.openCredentialStore()
			if err != nil {
				return err
			}
			defer credStore.Close()
			if count, err := credStore.Count(); err == nil {
				fmt.Printf("Stored Credentials: %d\n", count)
			}

			acctStore, err := app.openAccountStore()
			if err != nil {
				return err
			}
			defer acctStore.Close()
			if accounts, err := acctStore.List(); err == nil {
				fmt.Printf("External Accounts: %d\n", len(accounts))
			}

			return nil
		},
	}
}
