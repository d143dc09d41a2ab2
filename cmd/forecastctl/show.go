package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kjstillabower/forecast-viewer/internal/client"
	"github.com/kjstillabower/forecast-viewer/internal/validation"
)

func newShowCmd(a *app) *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "show <location>",
		Short: "Print a cached forecast",
		Long:  "Print the cached provider payload for a location without contacting the provider.",
		Example: `  # Raw cached payload
  forecastctl show Seattle

  # Per-day digest
  forecastctl show "new york" --summary`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := validation.NormalizeKey(args[0])
			if key == "" {
				return fmt.Errorf("location must not be blank")
			}
			fc, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer fc.Close()

			entry, ok := fc.Get(key)
			if !ok {
				return fmt.Errorf("no cached forecast for %q", key)
			}
			out := cmd.OutOrStdout()
			if summary {
				fmt.Fprintf(out, "%s %s\n", headerStyle.Render(key),
					dimStyle.Render("fetched "+humanize.RelTime(entry.FetchedAt, a.clock.Now(), "ago", "from now")))
				return printSummary(out, entry.Payload)
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, entry.Payload, "", "  "); err != nil {
				return fmt.Errorf("cached payload for %q is not valid JSON: %w", key, err)
			}
			buf.WriteByte('\n')
			_, err = buf.WriteTo(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&summary, "summary", false, "print a per-day digest instead of the raw payload")
	return cmd
}

func printSummary(out io.Writer, payload []byte) error {
	s, err := client.Summarize(payload)
	if err != nil {
		return err
	}
	place := s.City
	if s.Country != "" {
		place += ", " + s.Country
	}
	fmt.Fprintln(out, place)
	for _, d := range s.Days {
		fmt.Fprintf(out, "  %s  %s / %s  %s\n", d.Date,
			humanize.FormatFloat("#.#", d.TempMin),
			humanize.FormatFloat("#.#", d.TempMax),
			d.Description)
	}
	return nil
}
