package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/vigilhome/vigil-agent/internal/cache"
)

func generationsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List the generations held by the cache store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.generations(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) generations(ctx context.Context, w io.Writer) error {
	store, err := openStore(ctx, a.settings)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	names, err := store.Names(ctx)
	if err != nil {
		return err
	}
	slices.Sort(names)
	if len(names) == 0 {
		_, err = fmt.Fprintln(w, "no generations")
		return err
	}
	for _, name := range names {
		if err := printGeneration(ctx, w, store, name, name == a.settings.Cache.Generation); err != nil {
			return err
		}
	}
	return nil
}

func printGeneration(ctx context.Context, w io.Writer, store cache.Store, name string, configured bool) error {
	c, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return err
	}
	marker := " "
	if configured {
		marker = "*"
	}
	_, err = fmt.Fprintf(w, "%s %s\t%d entries\n", marker, name, len(keys))
	return err
}
