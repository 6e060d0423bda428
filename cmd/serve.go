package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"claude-bridge/internal/engine"
	"claude-bridge/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, cleanup, err := root.load(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer cleanup()

			if overridePort != 0 {
				if overridePort < 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			eng, err := engine.FromConfig(cfg)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg, eng)
			if err != nil {
				return err
			}

			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port")

	return cmd
}
