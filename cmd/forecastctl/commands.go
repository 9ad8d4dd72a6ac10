package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/service"
)

type rootOptions struct {
	jsonOut bool
	verbose bool
	app     *app
}

func newRootCmd(open opener) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "forecastctl",
		Short:         "Read and manage locally cached weather forecasts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), opts.verbose)
			if err != nil {
				return err
			}
			opts.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.app == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			return opts.app.close(ctx)
		},
	}
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of text")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at info level to stderr")

	root.AddCommand(
		newGetCmd(opts),
		newInvalidateCmd(opts),
		newHistoryCmd(opts),
		newLocationsCmd(opts),
	)
	return root
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "get [location-id]",
		Short: "Show the forecast for a location (the default location when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := service.ParseMode(mode)
			if err != nil {
				return err
			}
			var res models.Result
			if len(args) == 0 {
				res, err = opts.app.svc.GetDefaultWeather(cmd.Context(), m)
			} else {
				res, err = opts.app.svc.GetWeather(cmd.Context(), args[0], m)
			}
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "prefer_cache", "cache_only, prefer_cache or force_refresh")
	return cmd
}

func newInvalidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <location-id>",
		Short: "Drop the stored forecast for a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.app.svc.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <location-id>",
		Short: "List superseded forecast versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := opts.app.svc.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tFETCHED\tSUMMARY")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Version, r.FetchedAt.Local().Format(time.DateTime), r.Payload.Summary())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum versions to show (0 for all kept)")
	return cmd
}

func newLocationsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "locations",
		Aliases: []string{"loc"},
		Short:   "Manage saved locations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locs, err := opts.app.svc.ListLocations(cmd.Context())
			if err != nil {
				return err
			}
			def, _ := opts.app.svc.DefaultLocation(cmd.Context())
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), locs)
			}
			printLocations(cmd.OutOrStdout(), locs, def.ID)
			return nil
		},
	}

	var name, lat, lon string
	add := &cobra.Command{
		Use:   "add <location-id>",
		Short: "Save a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := opts.app.svc.AddLocation(cmd.Context(), models.Location{
				ID: args[0], Name: name, Latitude: lat, Longitude: lon,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", loc.ID, loc.Name)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	add.Flags().StringVar(&lat, "lat", "", "latitude")
	add.Flags().StringVar(&lon, "lon", "", "longitude")

	rm := &cobra.Command{
		Use:     "rm <location-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a saved location and its stored forecast",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.app.svc.RemoveLocation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	def := &cobra.Command{
		Use:   "default [location-id]",
		Short: "Show or set the default location",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := opts.app.svc.SetDefaultLocation(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			loc, err := opts.app.svc.DefaultLocation(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), loc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default %s (%s)\n", loc.ID, loc.Name)
			return nil
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Look up locations by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locs, err := opts.app.svc.SearchLocations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), locs)
			}
			printLocations(cmd.OutOrStdout(), locs, "")
			return nil
		},
	}

	cmd.AddCommand(list, add, rm, def, search)
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, res models.Result) {
	fmt.Fprintf(w, "%s: %s\n", res.LocationID, res.Summary)
	state := res.Verdict
	if res.Degraded {
		state += ", offline"
	}
	fmt.Fprintf(w, "  from %s, fetched %s (%s, v%d)\n",
		res.Source, res.FetchedAt.Local().Format(time.DateTime), state, res.Version)
	if aq := res.Payload.AirQuality; aq != nil {
		fmt.Fprintf(w, "  air quality %d (%s)\n", aq.AQI, aq.Category)
	}
	for _, d := range res.Payload.Daily {
		fmt.Fprintf(w, "  %s  %s..%s°C  %s\n", d.Date,
			strconv.FormatFloat(d.TempMin, 'f', -1, 64), strconv.FormatFloat(d.TempMax, 'f', -1, 64), d.Text)
	}
}

func printLocations(w io.Writer, locs []models.Location, defaultID string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLAT\tLON")
	for _, l := range locs {
		id := l.ID
		if id == defaultID {
			id += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, l.Name, l.Latitude, l.Longitude)
	}
	_ = tw.Flush()
}
