// ephemctl is the operator CLI: fetch kernels into the cache directory,
// inspect kernel files, and compute states without a running service.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ephem/ephemgo/internal/bodies"
	"github.com/ephem/ephemgo/internal/ephemeris"
	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/timescale"
)

const defaultCacheDir = "/tmp/ephemgo/kernels"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "ephemctl",
		Short:         "Operator tooling for the ephemgo ephemeris service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug detail to stderr")

	root.AddCommand(
		newFetchCmd(&verbose),
		newInfoCmd(&verbose),
		newStateCmd(&verbose),
		newBodiesCmd(),
	)
	return root
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newFetchCmd(verbose *bool) *cobra.Command {
	var (
		dir  string
		keep int
	)

	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Download kernels into the cache directory",
		Long: `Download one or more SPK kernels and store them, checksummed, in the
cache directory the service loads from. With no arguments the default
DE kernel is fetched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*verbose)
			diskCache := spk.NewCache(dir, keep, logger)

			fetcher := spk.NewFetcher("", logger)
			urls := args
			if len(urls) == 0 {
				urls = []string{fetcher.SourceURL()}
			}

			results, err := fetcher.FetchAll(cmd.Context(), urls)
			if err != nil {
				return err
			}

			// Cache filenames carry second resolution; offset the
			// timestamps so a multi-URL fetch does not overwrite itself.
			ts := time.Now()
			i := 0
			for _, url := range urls {
				data := results[url]
				if _, err := spk.New(bytes.NewReader(data), logger); err != nil {
					return fmt.Errorf("%s is not a usable kernel: %w", url, err)
				}
				path, err := diskCache.Write(data, ts.Add(time.Duration(i)*time.Second))
				if err != nil {
					return err
				}
				i++
				fmt.Printf("%s\n  -> %s (%d bytes, blake3 %s...)\n", url, path, len(data), spk.Checksum(data)[:16])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", defaultCacheDir, "kernel cache directory")
	cmd.Flags().IntVar(&keep, "keep", 3, "kernels to keep in the cache directory")
	return cmd
}

func newInfoCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info <kernel.bsp>",
		Short: "Print a kernel's metadata and segment table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*verbose)

			k, err := spk.Open(args[0], logger)
			if err != nil {
				return err
			}
			defer k.Close()

			m := k.Metadata()
			fmt.Printf("%s (%s, %d bytes)\n", m.Source, m.Format, m.SizeBytes)
			if m.Internal != "" {
				fmt.Printf("internal name: %s\n", m.Internal)
			}
			fmt.Printf("coverage: %s to %s (JD %.2f to %.2f)\n\n",
				timescale.TimeForET(m.StartET).Format(time.RFC3339),
				timescale.TimeForET(m.EndET).Format(time.RFC3339),
				timescale.JulianDateTDB(m.StartET),
				timescale.JulianDateTDB(m.EndET))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEGMENT\tTARGET\tCENTER\tTYPE\tSTART ET\tEND ET")
			for _, seg := range k.Segments() {
				fmt.Fprintf(w, "%s\t%d %s\t%d %s\t%d\t%.0f\t%.0f\n",
					seg.Name,
					seg.Target, bodies.Name(seg.Target),
					seg.Center, bodies.Name(seg.Center),
					seg.Type, seg.StartET, seg.EndET)
			}
			return w.Flush()
		},
	}
}

func newStateCmd(verbose *bool) *cobra.Command {
	var (
		kernelPath string
		dir        string
		centerRef  string
		atStr      string
	)

	cmd := &cobra.Command{
		Use:   "state <body>",
		Short: "Compute one body state from a kernel file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*verbose)

			target, ok := bodies.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown body %q", args[0])
			}
			center, ok := bodies.Lookup(centerRef)
			if !ok {
				return fmt.Errorf("unknown center %q", centerRef)
			}

			t := time.Now().UTC()
			if atStr != "" {
				parsed, err := time.Parse(time.RFC3339, atStr)
				if err != nil {
					return fmt.Errorf("invalid --time, want RFC3339: %w", err)
				}
				t = parsed.UTC()
			}

			var (
				k   *spk.Kernel
				err error
			)
			if kernelPath != "" {
				k, err = spk.Open(kernelPath, logger)
			} else {
				k, err = loadLatestCached(dir, logger)
			}
			if err != nil {
				return err
			}
			defer k.Close()

			store := spk.NewStore()
			store.Swap(k)
			provider := ephemeris.NewProvider(store, logger)

			v, err := provider.StateAt(target.ID, center.ID, t)
			if err != nil {
				return err
			}

			fmt.Printf("%s relative to %s at %s (et %.3f)\n",
				bodies.Name(target.ID), bodies.Name(center.ID),
				t.Format(time.RFC3339), timescale.ETForTime(t))
			fmt.Printf("  position km:   [%.6e %.6e %.6e]\n", v.Position[0], v.Position[1], v.Position[2])
			fmt.Printf("  velocity km/s: [%.6e %.6e %.6e]\n", v.Velocity[0], v.Velocity[1], v.Velocity[2])
			return nil
		},
	}

	cmd.Flags().StringVar(&kernelPath, "kernel", "", "kernel file (default: newest cached kernel)")
	cmd.Flags().StringVar(&dir, "dir", defaultCacheDir, "kernel cache directory")
	cmd.Flags().StringVar(&centerRef, "center", "0", "observing center (NAIF code or name)")
	cmd.Flags().StringVar(&atStr, "time", "", "UTC instant, RFC3339 (default: now)")
	return cmd
}

func newBodiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bodies",
		Short: "List the NAIF body catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tALIASES")
			for _, b := range bodies.All() {
				fmt.Fprintf(w, "%d\t%s\t%s\n", b.ID, b.Name, strings.Join(b.Aliases, ", "))
			}
			return w.Flush()
		},
	}
}

func loadLatestCached(dir string, logger *slog.Logger) (*spk.Kernel, error) {
	c := spk.NewCache(dir, 3, logger)
	data, path, _, err := c.LoadLatest()
	if err != nil {
		return nil, err
	}
	k, err := spk.New(bytes.NewReader(data), logger)
	if err != nil {
		return nil, err
	}
	k.SetSource(path)
	return k, nil
}
