package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli holds the state shared by all subcommands once flags are parsed.
type cli struct {
	configPath string
	cfg        *Config
	logger     *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "frame-analyzer",
		Short: "Per-app frametime measurement for Android using eBPF",
		Long: `frame-analyzer attaches a uprobe to Surface::queueBuffer in the target
processes and reports the time between successive buffer submissions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (default ./"+defaultConfigFile+" if present)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("data-dir", "data", "directory holding the recording database")

	root.AddCommand(newWatchCmd(c), newRecordCmd(c), newServeCmd(c))
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v, c.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// addProbeFlags registers the flags of commands that attach probes.
func addProbeFlags(cmd *cobra.Command, comms *[]string) {
	f := cmd.Flags()
	f.String("object", defaultObject, "compiled sensor program")
	f.String("library", "", "library holding Surface::queueBuffer (default libgui)")
	f.Uint32("ring-size", 0, "ring buffer size in bytes, a power of two multiple of the page size (0 keeps the compiled size)")
	f.Int("buffer-window", 0, "follow each surface separately with this many samples (0 to follow the process)")
	f.StringSliceVar(comms, "comm", nil, "attach to processes with this name or package, repeatable")
}
