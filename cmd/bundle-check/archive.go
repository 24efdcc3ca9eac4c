package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"entitycore/internal/snapshot"
	"entitycore/pkg/entity"
)

func newSaveCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		descriptors string
		bundlePath  string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "save NAME",
		Short: "Import a bundle file and archive it under NAME",
		Long: `save imports the bundle into an empty cache, so it must match the type
descriptors, then exports the cache into the snapshot archive. Temporary keys
are reissued on the way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := loadDescriptors(descriptors)
			if err != nil {
				return err
			}
			m, err := newManager(store, stderr, verbose, nil)
			if err != nil {
				return err
			}
			b, err := readBundleFile(bundlePath)
			if err != nil {
				return err
			}
			if _, err := m.Import(b); err != nil {
				return fmt.Errorf("import %s: %w", bundlePath, err)
			}
			archive, release, err := openSnapshots(ctx)
			if err != nil {
				return err
			}
			defer release()
			info, err := snapshot.Save(ctx, archive, args[0], m, entity.ExportOptions{})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "saved %s:%s (%d entities, bundle %s)\n", archive.Driver(), info.Name, info.Entities, info.BundleID)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&descriptors, "descriptors", "", "path to the YAML type descriptor document")
	flags.StringVar(&bundlePath, "bundle", "", "path to an exported bundle JSON file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log cache activity to stderr")
	_ = cmd.MarkFlagRequired("descriptors")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func newListCmd(stdout io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List archived bundles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown format %q", format)
			}
			ctx := cmd.Context()
			archive, release, err := openSnapshots(ctx)
			if err != nil {
				return err
			}
			defer release()
			var prefix string
			if len(args) == 1 {
				prefix = args[0]
			}
			infos, err := archive.List(ctx, prefix)
			if err != nil {
				return fmt.Errorf("list %s: %w", archive.Driver(), err)
			}
			if format == "json" {
				if infos == nil {
					infos = []snapshot.Info{}
				}
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tBUNDLE\tENTITIES\tSAVED")
			for _, info := range infos {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", info.Name, info.BundleID, info.Entities, info.SavedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	return cmd
}

func newDeleteCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove an archived bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			archive, release, err := openSnapshots(ctx)
			if err != nil {
				return err
			}
			defer release()
			removed, err := archive.Delete(ctx, args[0])
			if err != nil {
				return fmt.Errorf("delete %s: %w", args[0], err)
			}
			if !removed {
				return fmt.Errorf("archive %s has no bundle %q", archive.Driver(), args[0])
			}
			_, err = fmt.Fprintf(stdout, "deleted %s:%s\n", archive.Driver(), args[0])
			return err
		},
	}
}
