package main

import (
	"github.com/spf13/cobra"

	"github.com/wakeup/audiostudio/internal/config"
)

type rootOptions struct {
	configPath string
	port       int
}

// load reads the config file, falling back to defaults when it is absent,
// and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "audiostudio",
		Short:         "Collaborative audio studio server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().IntVar(&opts.port, "port", 0, "Override server port")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newDoctorCommand(opts))
	rootCmd.AddCommand(newTokenCommand(opts))
	return rootCmd
}
