package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

type entryView struct {
	Location   string    `json:"location"`
	FetchedAt  time.Time `json:"fetchedAt"`
	AgeSeconds int64     `json:"ageSeconds"`
	Outdated   bool      `json:"outdated"`
	Bytes      int       `json:"bytes"`
}

func newEntriesCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "entries",
		Aliases: []string{"ls"},
		Short:   "List cached forecasts",
		Long:    "List every cached forecast with its fetch time and age. Entries older than cache.stale_after are marked outdated.",
		Example: `  # List cached forecasts
  forecastctl entries

  # Machine-readable listing
  forecastctl entries --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer fc.Close()

			now := a.clock.Now()
			views := make([]entryView, 0, fc.Len())
			for _, e := range fc.Entries() {
				views = append(views, a.viewOf(e, now))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			if len(views) == 0 {
				fmt.Fprintln(out, dimStyle.Render("cache is empty"))
				return nil
			}

			width := lipgloss.Width("LOCATION")
			for _, v := range views {
				width = max(width, lipgloss.Width(v.Location))
			}
			width += 2
			fmt.Fprintln(out, column(headerStyle.Render("LOCATION"), width)+
				column(headerStyle.Render("FETCHED"), 22)+
				column(headerStyle.Render("AGE"), 20)+
				column(headerStyle.Render("SIZE"), 10))
			for _, v := range views {
				age := humanize.RelTime(v.FetchedAt, now, "ago", "from now")
				if v.Outdated {
					age = outdatedStyle.Render(age + " *")
				}
				fmt.Fprintln(out, column(v.Location, width)+
					column(v.FetchedAt.Local().Format("2006-01-02 15:04:05"), 22)+
					column(age, 20)+
					column(humanize.Bytes(uint64(v.Bytes)), 10))
			}
			fmt.Fprintf(out, "\n%s cached, %s\n",
				humanize.Comma(int64(len(views))),
				dimStyle.Render("* older than "+a.cfg.StaleAfter.String()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func (a *app) viewOf(e models.CacheEntry, now time.Time) entryView {
	age := now.Sub(e.FetchedAt)
	if age < 0 {
		age = 0
	}
	return entryView{
		Location:   e.LocationKey,
		FetchedAt:  e.FetchedAt,
		AgeSeconds: int64(age / time.Second),
		Outdated:   a.cfg.StaleAfter > 0 && age > a.cfg.StaleAfter,
		Bytes:      len(e.Payload),
	}
}
