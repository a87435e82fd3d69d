package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/meteor/internal/domain"
)

func statusCmd() *cobra.Command {
	var showCalls bool

	cmd := &cobra.Command{
		Use:   "status <executor-id> <job-id>",
		Short: "Show the running and done calls of a job from the status store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			cfg, shutdown, err := loadConfig(ctx, "status")
			if err != nil {
				return err
			}
			defer shutdown()

			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			executorID, jobID := args[0], args[1]
			js, err := s.store.GetJobStatus(ctx, executorID, jobID)
			if err != nil {
				return fmt.Errorf("get job status: %w", err)
			}

			fmt.Printf("job %s-%s: %d running, %d done\n", executorID, jobID, len(js.Running), len(js.Done))
			if !showCalls {
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CALL\tWORKER\tSTATE\tDETAIL")
			for _, rc := range js.Running {
				fmt.Fprintf(w, "%s\t%s\trunning\tsince %s\n", rc.CallID, rc.WorkerID, rc.StartTime.Format(time.RFC3339))
			}
			for _, id := range js.Done {
				st, err := s.store.GetCallStatus(ctx, executorID, jobID, id)
				if err != nil {
					fmt.Fprintf(w, "%s\t-\tdone\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, st.WorkerID, st.State(), detail(st))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&showCalls, "calls", false, "List every call")
	return cmd
}

func detail(st *domain.CallStatus) string {
	if st.Exception != nil {
		d := truncate(st.Exception.Error(), 60)
		if st.Synthetic {
			d += " (watchdog)"
		}
		return d
	}
	return fmt.Sprintf("%d bytes in %s", st.OutputSize, st.EndTime.Sub(st.StartTime).Round(time.Millisecond))
}
