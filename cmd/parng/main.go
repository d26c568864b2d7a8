// Command parng decodes PNG files incrementally, the way they would arrive over a
// network, and reports how long the decode took.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/octohelm/x/logr"
	logrslog "github.com/octohelm/x/logr/slog"
	"github.com/spf13/cobra"
)

func main() {
	ctx := logr.LoggerInjectContext(context.Background(), logrslog.Logger(slog.Default()))

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "parng:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	verbose := false

	cmd := &cobra.Command{
		Use:           "parng",
		Short:         "Incremental PNG decoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every chunk and pass")

	cmd.AddCommand(
		newDecodeCommand(),
		newInfoCommand(),
		newUnpackCommand(),
	)
	return cmd
}
