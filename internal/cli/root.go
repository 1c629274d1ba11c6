package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/dbqueue/core/config"
)

// app carries state shared by all commands.
type app struct {
	cfg    appConfig
	log    *slog.Logger
	queues []string
	out    io.Writer
}

// NewRoot constructs the root command and registers every subcommand.
func NewRoot(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:           "dbqueue",
		Short:         "Durable database-backed queue engine",
		Long:          "dbqueue runs and operates the bus and notification queues stored in PostgreSQL.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(&a.cfg); err != nil {
				return err
			}
			a.log = newLogger(a.cfg)
			for _, name := range a.queues {
				if _, err := findQueue(name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringSliceVarP(&a.queues, "queue", "q", queueNames(),
		fmt.Sprintf("queues to operate on (%s)", queueNames()))

	root.AddCommand(
		newMigrateCommand(a),
		newServeCommand(a),
		newEnqueueCommand(a),
		newReapCommand(a),
		newArchiveCommand(a),
		newStatsCommand(a),
		newHealthCommand(a),
	)
	return root
}
