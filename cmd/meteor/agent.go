package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/meteor/internal/backend/grpcbackend"
	"github.com/oriys/meteor/internal/backend/httpbackend"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/worker"
)

func agentCmd() *cobra.Command {
	var (
		addr        string
		useHTTP     bool
		concurrency int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the worker runtime to remote invokers over gRPC or HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, shutdown, err := loadConfig(ctx, "agent")
			if err != nil {
				return err
			}
			defer shutdown()

			if srv := serveMetrics(metricsAddr); srv != nil {
				defer srv.Close()
			}

			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			// Driver payloads run a full invoker here, dispatching calls to
			// in-process runners.
			driver, err := s.newInvoker(s.localRunners(), false)
			if err != nil {
				return err
			}
			defer driver.Stop()

			deps := s.workerDeps()
			deps.Driver = driver.RunDriver
			agent := worker.NewAgent(deps, concurrency)
			defer agent.Close()

			transport := "grpc"
			if useHTTP {
				transport = "http"
			}
			logging.Op().Info("worker agent starting",
				"addr", addr,
				"transport", transport,
				"concurrency", concurrency,
				"handlers", s.handlers.Keys())

			if useHTTP {
				srv := &http.Server{
					Addr:              addr,
					Handler:           httpbackend.NewHandler(agent),
					ReadHeaderTimeout: 5 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			}

			gs := grpcbackend.NewServer(agent)
			if err := gs.Start(addr); err != nil {
				return err
			}
			<-ctx.Done()
			gs.Stop()
			logging.Op().Info("worker agent stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	cmd.Flags().BoolVar(&useHTTP, "http", false, "Serve HTTP instead of gRPC")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1000, "Maximum simultaneous activations")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address")

	return cmd
}
