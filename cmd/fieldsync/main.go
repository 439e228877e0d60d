// Command fieldsync runs the offline-first sync daemon for field technicians
// and a few maintenance commands over its local databases.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile   string
	DataDir   string
	ServerURL string
	Format    string // "json" | "text"

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first sync engine for field technicians",
		Long: `fieldsync keeps today's route, job updates, shift clock events and
proof-of-service photos on the device, and syncs them to the dispatch server
whenever it is reachable.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := config.LoadDotEnv(opts.EnvFile); err != nil {
				return err
			}
			cfg, err := config.NewFromEnv(
				config.WithDataDir(opts.DataDir),
				config.WithServerURL(opts.ServerURL),
			)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			initLogging(cfg)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "environment file to load")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides FIELDSYNC_DATA_DIR)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "dispatch server URL (overrides FIELDSYNC_SERVER_URL)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewEvictCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

func initLogging(cfg *config.Config) {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = logging.FileWriter(cfg.LogFile)
	}
	logging.Init(out, logging.ParseLevel(cfg.LogLevel))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
