package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/worker"
)

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List backend types and built-in handlers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := backend.NewRegistry()
			s := &stack{registry: reg}
			s.registerBackends(worker.Deps{})

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tDESCRIPTION")
			for _, info := range reg.List() {
				fmt.Fprintf(w, "%s\t%s\n", info.Name, info.Description)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "HANDLER\t")
			for _, key := range worker.NewBuiltinRegistry().Keys() {
				fmt.Fprintf(w, "%s\t\n", key)
			}
			return w.Flush()
		},
	}
}
