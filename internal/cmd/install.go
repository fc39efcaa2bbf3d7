package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vigilhome/vigil-agent/internal/logger"
)

func installCommand(a *app) *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Pre-fetch the configured generation into the cache store",
		Long: "Fetches every manifest locator of the configured generation from the upstream\n" +
			"and stores it. With --activate the generation is promoted and older generations\n" +
			"are deleted. Useful to warm a persistent backend before the first start.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.install(cmd.Context(), cmd, activate)
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", true, "activate the generation after installing it")
	return cmd
}

func (a *app) install(ctx context.Context, cmd *cobra.Command, activate bool) error {
	store, err := openStore(ctx, a.settings)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	manager, _, err := newManager(a.settings, store, a.log)
	if err != nil {
		return err
	}

	gen := generation(a.settings)
	if err := manager.Install(ctx, gen); err != nil {
		return err
	}
	if activate {
		if err := manager.Activate(ctx); err != nil {
			return err
		}
	}

	a.log.Info("install complete",
		logger.String("generation", gen.ID),
		logger.Int("entries", len(gen.Manifest)),
		logger.Bool("activated", activate))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%d entries)\n", gen.ID, len(gen.Manifest))
	return err
}
