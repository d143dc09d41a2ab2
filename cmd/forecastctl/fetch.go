package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/icons"
	"github.com/kjstillabower/forecast-viewer/internal/models"
	"github.com/kjstillabower/forecast-viewer/internal/service"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		raw       bool
		withIcons bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <location>",
		Short: "Fetch a forecast with offline fallback",
		Long: `Fetch a forecast from the provider and cache it. When the provider cannot be
reached the cached forecast is shown instead, tagged with its age.`,
		Example: `  # Fetch and print a digest
  forecastctl fetch Seattle

  # Fetch, print the payload and download condition icons
  forecastctl fetch London --raw --icons`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.newProvider(a.cfg)
			if err != nil {
				return err
			}
			fc := a.openCacheOrMemory(cmd.Context())
			defer fc.Close()

			svc := service.NewForecastService(provider, fc,
				service.WithStaleAfter(a.cfg.StaleAfter),
				service.WithClock(a.clock),
				service.WithLogger(a.logger),
			)
			res := svc.GetForecast(cmd.Context(), args[0])

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render(res.LocationKey), freshnessTag(res, a.clock.Now()))
			if res.Freshness == models.FreshnessEmpty {
				return fmt.Errorf("no forecast available for %q", res.LocationKey)
			}
			if res.Outdated {
				fmt.Fprintln(out, outdatedStyle.Render("cached forecast is older than "+a.cfg.StaleAfter.String()))
			}
			if raw {
				fmt.Fprintln(out, string(res.Payload))
			} else if err := printSummary(out, res.Payload); err != nil {
				return err
			}

			if withIcons && res.IsFresh() {
				ic, err := icons.NewCache(a.cfg.IconDir, a.cfg.IconBaseURL, a.cfg.WeatherAPITimeout)
				if err != nil {
					return err
				}
				codes := client.IconCodes(res.Payload)
				if err := ic.Prefetch(cmd.Context(), codes); err != nil {
					return fmt.Errorf("prefetch icons: %w", err)
				}
				fmt.Fprintf(out, "%d icon(s) cached in %s\n", len(codes), a.cfg.IconDir)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print the provider payload instead of a digest")
	cmd.Flags().BoolVar(&withIcons, "icons", false, "download condition icons after a fresh fetch")
	return cmd
}
