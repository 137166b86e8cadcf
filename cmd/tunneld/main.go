// Command tunneld runs the reverse-proxy tunnel server: it accepts
// WebSocket connections from workstations behind NAT and from mobile
// clients, binds them by TunnelId, and forwards message frames
// between them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relaymesh/tunneld/internal/config"
	"github.com/relaymesh/tunneld/internal/liveness"
	"github.com/relaymesh/tunneld/internal/metrics"
	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
	"github.com/relaymesh/tunneld/internal/router"
	"github.com/relaymesh/tunneld/internal/transport"
	"github.com/relaymesh/tunneld/internal/wsserver"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal bind
// failure or unrecoverable runtime error.
const (
	exitOK         = 0
	exitConfigErr  = 1
	exitRuntimeErr = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	conf := config.New()

	cmd := &cobra.Command{
		Use:           "tunneld",
		Short:         "Reverse-proxy tunnel server binding mobile clients to NAT'd workstations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	exitCode := exitOK
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		code, err := serve(cmd.Context(), conf)
		exitCode = code
		return err
	}

	if err := conf.BindFlags(cmd.Flags()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigErr
	}

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == exitOK {
			exitCode = exitRuntimeErr
		}
		return exitCode
	}
	return exitOK
}

// serve validates configuration, wires every component, and runs them
// until ctx is cancelled. It returns the process exit code alongside
// any error (nil error still carries exitOK on a clean shutdown).
func serve(ctx context.Context, conf *config.Config) (int, error) {
	if err := conf.Validate(); err != nil {
		return exitConfigErr, fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(conf.LogLevel())
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	workstations := registry.NewWorkstationRegistry()
	clients := registry.NewClientRegistry()
	r := router.New(workstations, clients, m, log)
	supervisor := liveness.New(workstations, clients, conf.LivenessTiming(), log)

	wsOpts := []wsserver.Option{
		wsserver.WithAddress(conf.Address()),
		wsserver.WithWSPath(conf.WSPath()),
		wsserver.WithVersion(version),
		wsserver.WithCodec(codecFromConfig(conf)),
		wsserver.WithSessionTiming(conf.SessionTiming()),
		wsserver.WithRegistrationKey(conf.RegistrationAPIKey()),
		wsserver.WithShutdownDrainTimeout(conf.ShutdownDrainTimeout()),
		wsserver.WithRegistries(workstations, clients),
		wsserver.WithRouter(r),
		wsserver.WithMetrics(m),
		wsserver.WithLogger(log),
	}

	facade, err := wsserver.New(wsOpts...)
	if err != nil {
		return exitRuntimeErr, fmt.Errorf("failed to create server: %w", err)
	}

	listeners := []transport.Listener{facade, supervisor}
	if conf.MetricsEnabled() {
		listeners = append(listeners, newMetricsServer(reg, log))
	}

	log.Info("tunneld starting", "version", version, "address", conf.Address(), "ws_path", conf.WSPath())

	if err := transport.Serve(ctx, listeners...); err != nil {
		return exitRuntimeErr, fmt.Errorf("server error: %w", err)
	}

	log.Info("tunneld stopped")
	return exitOK, nil
}

func codecFromConfig(conf *config.Config) protocol.Codec {
	return protocol.Codec{MaxFrameBytes: conf.MaxFrameBytes()}
}
