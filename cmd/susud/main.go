package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"susuchain/config"
	"susuchain/core/state"
	"susuchain/native/circle"
	"susuchain/observability/logging"
	"susuchain/rpc"
	"susuchain/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const rpcTokenEnv = "SUSU_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SUSU_ENV"))
	logger := logging.Setup("susud", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)

	engine := circle.NewEngine()
	engine.SetState(manager)
	if treasury, ok, err := cfg.Treasury(); err != nil {
		logger.Error("failed to decode treasury address", slog.Any("error", err))
		os.Exit(1)
	} else if ok {
		engine.SetTreasury(treasury)
	}
	if admin, ok, err := cfg.Admin(); err != nil {
		logger.Error("failed to decode admin address", slog.Any("error", err))
		os.Exit(1)
	} else if ok {
		engine.SetAdmin(admin)
	}

	if err := seedFeePolicy(manager, cfg); err != nil {
		logger.Error("failed to seed fee policy", slog.Any("error", err))
		os.Exit(1)
	}

	authToken := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if authToken == "" {
		logger.Warn("admin RPC methods disabled", slog.String("reason", rpcTokenEnv+" not set"))
	}

	rpcServer := rpc.NewServer(engine, manager, authToken, logger)
	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			logger.Error("metrics server terminated", slog.Any("error", err))
		}
	}()

	logger.Info("susud initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("metrics", cfg.MetricsAddress))
	select {}
}

// seedFeePolicy writes the configured default fee rates the first time the
// node starts on an empty database. Later changes go through the admin RPC.
func seedFeePolicy(manager *state.Manager, cfg *config.Config) error {
	return manager.Atomic(func() error {
		current, err := manager.FeePolicy()
		if err != nil {
			return err
		}
		if current.ProtocolFeeBps != 0 || current.InsuranceFeeBps != 0 {
			return nil
		}
		if cfg.DefaultProtocolFeeBps == 0 && cfg.DefaultInsuranceFeeBps == 0 {
			return nil
		}
		return manager.SetFeePolicy(circle.FeePolicy{
			ProtocolFeeBps:  cfg.DefaultProtocolFeeBps,
			InsuranceFeeBps: cfg.DefaultInsuranceFeeBps,
		})
	})
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
