// Command callbridge runs the call bridge service and its maintenance jobs.
//
//	callbridge serve
//	callbridge reconcile
//	callbridge rescore --since 48h
//	callbridge migrate
//
// Configuration is read from the environment; see internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "callbridge",
		Short:         "Bridge phone calls to an AI voice engine with QA and escalation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildReconcileCmd(),
		buildRescoreCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
