// Package relay wires the local test-orchestration relay together: it binds
// the ingestion server, spawns the user's test command with the server
// address in its environment, and guarantees every opened run is closed
// before the process exits, including on signals.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoblocksai/cli/api"
	"github.com/autoblocksai/cli/exitcodes"
	"github.com/autoblocksai/cli/netutil"
	"github.com/autoblocksai/cli/orchestrator"
	"github.com/autoblocksai/cli/server"
)

// serverAddressEnvVar tells the test SDK inside the child process where the
// ingestion server is listening. The SDK is the exclusive caller of those
// endpoints.
const serverAddressEnvVar = "AUTOBLOCKS_CLI_SERVER_ADDRESS"

const drainTimeout = 60 * time.Second

// Relay is the process lifecycle controller for one CLI invocation.
type Relay struct {
	cfg      *Config
	orch     *orchestrator.Orchestrator
	server   *server.Server
	reporter *Reporter

	cleanupOnce sync.Once
}

func New(cfg *Config) (*Relay, error) {
	if cfg == nil {
		return nil, NewRuntimeError(fmt.Errorf("config is required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewRuntimeError(err)
	}

	client := api.NewClient(api.Config{
		BaseURL:        cfg.APIBaseURL,
		APIKey:         cfg.APIKey,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxRetries:     cfg.MaxRetries,
		Timeout:        cfg.Timeout,
	})
	return newWithClient(cfg, client), nil
}

func newWithClient(cfg *Config, client orchestrator.Poster) *Relay {
	bus := orchestrator.NewBus()
	orch := orchestrator.New(client, bus)

	return &Relay{
		cfg:      cfg,
		orch:     orch,
		server:   server.New(orch),
		reporter: NewReporter(bus),
	}
}

// Run executes the test command and returns the process exit code per the
// precedence rules: 1 on any uncaught error, else 1 on a failed evaluation
// when requested, else the child's own exit code.
func (r *Relay) Run(ctx context.Context) (int, error) {
	invocationID := uuid.New().String()
	log.Info("Starting Autoblocks testing relay", "invocationId", invocationID)

	port, err := netutil.FindAvailablePort(r.cfg.Port)
	if err != nil {
		return exitcodes.Failure, NewRuntimeError(err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return exitcodes.Failure, NewRuntimeError(fmt.Errorf("failed to bind ingestion server on %s: %w", addr, err))
	}
	go func() {
		if err := r.server.Serve(ln); err != nil {
			log.Error("Ingestion server stopped unexpectedly", "err", err)
		}
	}()
	log.Info("Ingestion server listening", "address", addr)

	var metricsServer *http.Server
	if r.cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", r.cfg.MetricsPort),
			Handler: promhttp.Handler(),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server stopped unexpectedly", "err", err)
			}
		}()
	}

	child := exec.Command(r.cfg.Command[0], r.cfg.Command[1:]...)
	child.Env = append(os.Environ(), fmt.Sprintf("%s=http://%s", serverAddressEnvVar, addr))
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Stdin = os.Stdin

	if err := child.Start(); err != nil {
		r.cleanup()
		return exitcodes.Failure, NewRuntimeError(fmt.Errorf("failed to start test command: %w", err))
	}
	log.Info("Spawned test command", "command", r.cfg.Command, "pid", child.Process.Pid)

	// Termination signals are forwarded to the child so its exit funnels
	// both paths into the single cleanup routine below. A second signal
	// escalates to SIGKILL.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info("Received signal, stopping test command", "signal", sig)
		_ = child.Process.Signal(sig)
		if _, ok := <-sigCh; ok {
			log.Warn("Received second signal, killing test command")
			_ = child.Process.Kill()
		}
	}()

	childExit := exitcodes.Success
	waitErr := child.Wait()
	signal.Stop(sigCh)
	close(sigCh)
	if err := waitErr; err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			childExit = exitErr.ExitCode()
			log.Warn("Test command exited non-zero", "code", childExit)
		} else {
			r.cleanup()
			return exitcodes.Failure, NewRuntimeError(fmt.Errorf("failed to wait for test command: %w", err))
		}
	}

	r.cleanup()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	return r.exitCode(childExit), nil
}

// cleanup drains all open runs and tears down the ingestion surface. It is
// idempotent: a signal racing the child-exit path must not double-close runs
// or double-print the summary.
func (r *Relay) cleanup() {
	r.cleanupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if err := r.orch.DrainAll(ctx); err != nil {
			log.Error("Failures while draining open runs", "err", err)
		}
		if err := r.server.Shutdown(ctx); err != nil {
			log.Error("Failed to shut down ingestion server", "err", err)
		}

		r.orch.Bus().Close()
		r.reporter.Wait()
		r.reporter.PrintSummary(os.Stdout)
	})
}

// exitCode applies the exit status precedence rules.
func (r *Relay) exitCode(childExit int) int {
	if r.orch.HasUncaughtErrors() {
		log.Error("Uncaught errors were reported by the test process")
		return exitcodes.Failure
	}
	if r.cfg.Exit1OnEvaluationFailure && r.orch.HasAnyFailedEvaluation() {
		log.Error("One or more evaluations failed")
		return exitcodes.Failure
	}
	return childExit
}
