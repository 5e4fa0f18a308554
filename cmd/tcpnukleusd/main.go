// Command tcpnukleusd runs one tcpnukleus adapter instance: a reactor
// loop bridging TCP sockets to the framed message fabric, driven by a
// control-plane listener and a YAML config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpnukleus/internal/config"
	"code.hybscloud.com/tcpnukleus/internal/control"
	"code.hybscloud.com/tcpnukleus/internal/fabric"
	"code.hybscloud.com/tcpnukleus/internal/logging"
	"code.hybscloud.com/tcpnukleus/internal/metrics"
	"code.hybscloud.com/tcpnukleus/internal/nukleus"
	"code.hybscloud.com/tcpnukleus/internal/reactor"
)

func main() {
	configPath := flag.String("config", "/etc/tcpnukleus/config.yaml", "path to adapter config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("adapter error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	poller, err := reactor.New()
	if err != nil {
		return fmt.Errorf("creating reactor: %w", err)
	}

	counters := metrics.New()
	n := nukleus.New(cfg, poller, logger, counters, counters)
	n.SetFabricDialer(fabricDialer(poller, cfg))

	ctrl := control.New(cfg.Control.Socket, n, logger)
	go func() {
		if err := ctrl.ListenAndServe(); err != nil {
			logger.Error("control listener stopped", "error", err)
		}
	}()
	defer ctrl.Close()

	metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer metricsSrv.Close()

	logger.Info("tcpnukleus started", "control_socket", cfg.Control.Socket, "metrics_listen", cfg.Metrics.Listen)
	return n.Run(ctx)
}

// fabricDialer resolves an undialed route target to a fabric.Socket
// channel by dialing a well-known Unix socket alongside the control
// socket: <control-dir>/fabric/<targetName>.sock. This is the process
// bootstrap's stand-in for discovering the downstream fabric process,
// left unspecified by the adapter's own contract.
func fabricDialer(poller *reactor.Poller, cfg *config.Config) func(targetName string) (fabric.Channel, error) {
	dir := filepath.Join(filepath.Dir(cfg.Control.Socket), "fabric")
	return func(targetName string) (fabric.Channel, error) {
		addr := filepath.Join(dir, targetName+".sock")
		conn, err := net.Dial("unix", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing fabric socket %s: %w", addr, err)
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("fabric socket %s did not return a unix connection", addr)
		}
		raw, err := uc.SyscallConn()
		if err != nil {
			conn.Close()
			return nil, err
		}
		var fd int
		var dupErr error
		if err := raw.Control(func(rawFd uintptr) {
			fd, dupErr = unix.Dup(int(rawFd))
		}); err != nil {
			conn.Close()
			return nil, err
		}
		conn.Close()
		if dupErr != nil {
			return nil, dupErr
		}
		return fabric.NewSocket(poller, fd)
	}
}
