package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/meteor/internal/executor"
	"github.com/oriys/meteor/internal/future"
	"github.com/oriys/meteor/internal/logging"
)

func runCmd() *cobra.Command {
	var (
		calls       int
		workers     int
		chunksize   int
		handler     string
		args        []string
		remote      bool
		throwExcept bool
		timeout     time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a map job and print its results",
		Long: "Runs one call of --handler per input. Inputs come from repeated --arg flags; " +
			"without them, --calls calls receive their call index as input.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, shutdown, err := loadConfig(ctx, "run")
			if err != nil {
				return err
			}
			defer shutdown()

			if cmd.Flags().Changed("workers") {
				cfg.Executor.Workers = workers
			}
			if cmd.Flags().Changed("chunksize") {
				cfg.Executor.Chunksize = chunksize
			}
			if cmd.Flags().Changed("remote") {
				cfg.Executor.RemoteInvoker = remote
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if srv := serveMetrics(metricsAddr); srv != nil {
				defer srv.Close()
			}

			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			// A local driver activation dispatches its calls to a local
			// runner in the same process.
			deps := s.workerDeps()
			if cfg.Executor.RemoteInvoker && cfg.Backend.Type == "local" {
				driver, err := s.newInvoker(s.localRunners(), false)
				if err != nil {
					return err
				}
				defer driver.Stop()
				deps.Driver = driver.RunDriver
			}
			s.registerBackends(deps)

			backends, err := s.registry.Build(cfg.Backend)
			if err != nil {
				return err
			}
			inv, err := s.newInvoker(backends, cfg.Executor.RemoteInvoker)
			if err != nil {
				return err
			}

			exec := executor.New(inv, s.store,
				executor.WithTracker(s.tracker),
				executor.WithJobDefaults(cfg.Executor),
				executor.WithWaitConfig(cfg.Wait),
			)
			defer exec.Close()

			inputs := buildInputs(args, calls)
			start := time.Now()
			fs, err := exec.Map(ctx, handler, inputs)
			if err != nil {
				return err
			}

			out, err := exec.GetResult(ctx, fs, future.WaitOptions{Timeout: timeout, ThrowExcept: throwExcept})
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CALL\tSTATE\tACTIVATION\tOUTPUT")
			for i, f := range fs {
				st := f.StatusRecord()
				state := "success"
				if st != nil && st.Exception != nil {
					state = st.Exception.Type
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.CallID(), state, truncate(f.ActivationID(), 12), truncate(string(out[i]), 60))
			}
			w.Flush()

			if len(fs) > 0 {
				if p := exec.Progress(fs[0].JobID()); p != nil {
					fmt.Printf("\njob %s: %d/%d calls, phase %s, %s\n", p.JobKey, p.Done, p.Total, p.Phase, elapsed.Round(time.Millisecond))
				}
			}
			logging.Op().Debug("run finished", "calls", len(fs), "elapsed", elapsed)
			return nil
		},
	}

	cmd.Flags().IntVar(&calls, "calls", 10, "Number of calls when no --arg is given")
	cmd.Flags().IntVar(&workers, "workers", 0, "Maximum worker slots in flight (overrides config)")
	cmd.Flags().IntVar(&chunksize, "chunksize", 0, "Calls per worker slot (overrides config)")
	cmd.Flags().StringVar(&handler, "handler", "echo", "Handler key (echo, upper, sleep, fail, wordcount)")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "Input of one call (repeatable)")
	cmd.Flags().BoolVar(&remote, "remote", false, "Delegate dispatch to a remote invoker (overrides config)")
	cmd.Flags().BoolVar(&throwExcept, "throw", false, "Fail on the first failed call")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address while running")

	return cmd
}

func buildInputs(args []string, calls int) [][]byte {
	if len(args) > 0 {
		out := make([][]byte, len(args))
		for i, a := range args {
			out[i] = []byte(a)
		}
		return out
	}
	out := make([][]byte, calls)
	for i := range out {
		out[i] = []byte(strconv.Itoa(i))
	}
	return out
}
