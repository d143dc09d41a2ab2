package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

func newDeleteCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "delete [location]",
		Aliases: []string{"rm"},
		Short:   "Remove cached forecasts",
		Example: `  # Forget one location
  forecastctl delete Seattle

  # Clear the cache
  forecastctl delete --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer fc.Close()

			var keys []string
			if all {
				for _, e := range fc.Entries() {
					keys = append(keys, e.LocationKey)
				}
			} else {
				key := validation.NormalizeKey(args[0])
				if _, ok := fc.Get(key); !ok {
					return fmt.Errorf("no cached forecast for %q", key)
				}
				keys = []string{key}
			}
			for _, key := range keys {
				if err := fc.Delete(cmd.Context(), key); err != nil {
					return fmt.Errorf("delete %q: %w", key, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d cached forecast(s)\n", len(keys))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every cached forecast")
	return cmd
}
