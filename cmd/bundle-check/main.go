// Command bundle-check imports an exported entity bundle into a fresh cache,
// validates the pending changes and reports per-type state counts together
// with any validation failures. The save, list and delete subcommands manage
// bundles in the snapshot archive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"entitycore/internal/observability"
	"entitycore/internal/snapshot"
	"entitycore/pkg/domain"
	"entitycore/pkg/entity"
	"entitycore/pkg/metadata"
)

// Exit codes.
const (
	exitOK      = 0
	exitInvalid = 1
	exitError   = 2
)

var (
	exitFunc    = os.Exit
	openArchive = snapshot.Open
)

type options struct {
	descriptors string
	bundlePath  string
	archiveName string
	format      string
	all         bool
	verbose     bool
	metrics     bool
	metricsFmt  string
}

type report struct {
	BundleID   string                                `json:"bundle_id"`
	Source     string                                `json:"source"`
	Counts     map[string]map[domain.EntityState]int `json:"counts"`
	Invalid    []invalidEntity                       `json:"invalid,omitempty"`
	Metrics    *observability.Snapshot               `json:"metrics,omitempty"`
	Exposition string                                `json:"exposition,omitempty"`
}

type invalidEntity struct {
	Entity string   `json:"entity"`
	State  string   `json:"state"`
	Errors []string `json:"errors"`
}

func main() {
	exitFunc(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitOK
	cmd := newRootCmd(stdout, stderr, &code)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "bundle-check: %v\n", err)
		return exitError
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "bundle-check",
		Short: "Validate an exported entity bundle against its type descriptors",
		Long: `bundle-check loads the type descriptors, imports the bundle (from a file or
from the configured snapshot archive) into an empty cache and validates every
pending change. It exits 1 when any entity fails validation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := run(cmd.Context(), opts, stderr)
			if err != nil {
				return err
			}
			if err := writeReport(stdout, rep, opts.format); err != nil {
				return err
			}
			if len(rep.Invalid) > 0 {
				*code = exitInvalid
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	flags := cmd.Flags()
	flags.StringVar(&opts.descriptors, "descriptors", "", "path to the YAML type descriptor document")
	flags.StringVar(&opts.bundlePath, "bundle", "", "path to an exported bundle JSON file")
	flags.StringVar(&opts.archiveName, "archive-name", "", "name of a bundle in the snapshot archive (see ENTITYCORE_SNAPSHOT_DRIVER)")
	flags.StringVar(&opts.format, "format", "text", "output format: text|json")
	flags.BoolVar(&opts.all, "all", false, "validate unchanged entities too")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log cache activity to stderr")
	flags.BoolVar(&opts.metrics, "metrics", false, "include operation metrics in the report")
	flags.StringVar(&opts.metricsFmt, "metrics-format", "expvar", "metrics representation: expvar|prometheus")
	_ = cmd.MarkFlagRequired("descriptors")
	cmd.MarkFlagsMutuallyExclusive("bundle", "archive-name")
	cmd.MarkFlagsOneRequired("bundle", "archive-name")
	cmd.AddCommand(newSaveCmd(stdout, stderr), newListCmd(stdout), newDeleteCmd(stdout))
	return cmd
}

func run(ctx context.Context, opts *options, stderr io.Writer) (*report, error) {
	if opts.format != "text" && opts.format != "json" {
		return nil, fmt.Errorf("unknown format %q", opts.format)
	}
	metrics, err := newMetrics(opts.metricsFmt)
	if err != nil {
		return nil, err
	}
	store, err := loadDescriptors(opts.descriptors)
	if err != nil {
		return nil, err
	}
	m, err := newManager(store, stderr, opts.verbose, metrics.recorder)
	if err != nil {
		return nil, err
	}

	bundleID, source, err := importSource(ctx, opts, m)
	if err != nil {
		return nil, err
	}

	rep := &report{BundleID: bundleID, Source: source, Counts: make(map[string]map[domain.EntityState]int)}
	all, _ := m.GetEntities(entity.EntityFilter{})
	for _, e := range all {
		byState := rep.Counts[e.TypeName()]
		if byState == nil {
			byState = make(map[domain.EntityState]int)
			rep.Counts[e.TypeName()] = byState
		}
		byState[e.Aspect().State()]++
	}

	invalid := m.ValidateForSave()
	if opts.all {
		invalid = nil
		for _, e := range all {
			if e.Aspect().State().IsDeleted() {
				continue
			}
			if !e.Aspect().ValidateEntity() {
				invalid = append(invalid, e)
			}
		}
	}
	for _, e := range invalid {
		ie := invalidEntity{Entity: e.String(), State: string(e.Aspect().State())}
		for _, verr := range e.Aspect().ValidationErrors() {
			if verr.PropertyPath == "" {
				ie.Errors = append(ie.Errors, verr.Message)
				continue
			}
			ie.Errors = append(ie.Errors, verr.PropertyPath+": "+verr.Message)
		}
		rep.Invalid = append(rep.Invalid, ie)
	}
	if opts.metrics {
		if err := metrics.fill(rep); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func newManager(store *metadata.Store, stderr io.Writer, verbose bool, recorder entity.MetricsRecorder) (*entity.Manager, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	m, err := entity.NewManager(store,
		entity.WithLogger(logger),
		entity.WithMetrics(recorder),
		entity.WithValidationOptions(entity.ValidationOptions{OnPropertyChange: true, OnAttach: true, OnSave: true}),
	)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}
	return m, nil
}

// reportMetrics is the recorder handed to the cache plus the way its
// observations end up in the report.
type reportMetrics struct {
	recorder entity.MetricsRecorder
	fill     func(*report) error
}

func newMetrics(format string) (*reportMetrics, error) {
	switch format {
	case "", "expvar":
		rec := observability.NewExpvarRecorder("")
		return &reportMetrics{recorder: rec, fill: func(rep *report) error {
			snap := rec.Snapshot()
			rep.Metrics = &snap
			return nil
		}}, nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		rec, err := observability.NewPrometheusRecorder(observability.PrometheusConfig{Registry: reg})
		if err != nil {
			return nil, err
		}
		return &reportMetrics{recorder: rec, fill: func(rep *report) error {
			families, err := reg.Gather()
			if err != nil {
				return fmt.Errorf("gather metrics: %w", err)
			}
			var sb strings.Builder
			for _, mf := range families {
				if _, err := expfmt.MetricFamilyToText(&sb, mf); err != nil {
					return fmt.Errorf("encode metrics: %w", err)
				}
			}
			rep.Exposition = sb.String()
			return nil
		}}, nil
	}
	return nil, fmt.Errorf("unknown metrics format %q", format)
}

func loadDescriptors(path string) (store *metadata.Store, err error) {
	f, err := os.Open(path) // #nosec G304: operator-supplied descriptor path
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close descriptors: %w", cerr)
		}
	}()
	store, err = metadata.LoadYAML(f, nil)
	if err != nil {
		return nil, fmt.Errorf("parse descriptors: %w", err)
	}
	return store, nil
}

// importSource imports the bundle named by opts into m and returns its ID
// and a description of where it came from.
func importSource(ctx context.Context, opts *options, m *entity.Manager) (bundleID, source string, err error) {
	if opts.archiveName == "" {
		b, err := readBundleFile(opts.bundlePath)
		if err != nil {
			return "", "", err
		}
		if _, err := m.Import(b); err != nil {
			return "", "", fmt.Errorf("import %s: %w", opts.bundlePath, err)
		}
		return b.ID, opts.bundlePath, nil
	}
	archive, release, err := openSnapshots(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()
	if _, err := snapshot.Restore(ctx, archive, opts.archiveName, m); err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return "", "", fmt.Errorf("archive %s has no bundle %q", archive.Driver(), opts.archiveName)
		}
		return "", "", err
	}
	source = fmt.Sprintf("%s:%s", archive.Driver(), opts.archiveName)
	infos, err := archive.List(ctx, opts.archiveName)
	if err != nil {
		return "", source, nil
	}
	for _, info := range infos {
		if info.Name == opts.archiveName {
			return info.BundleID, source, nil
		}
	}
	return "", source, nil
}

func readBundleFile(path string) (*entity.Bundle, error) {
	f, err := os.Open(path) // #nosec G304: operator-supplied bundle path
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	defer func() { _ = f.Close() }()
	return entity.DecodeBundle(f)
}

// openSnapshots opens the configured archive. The returned release closes
// drivers that hold a connection pool.
func openSnapshots(ctx context.Context) (snapshot.Archive, func(), error) {
	archive, err := openArchive(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	release := func() {
		if c, ok := archive.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return archive, release, nil
}

func writeReport(w io.Writer, rep *report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	if _, err := fmt.Fprintf(w, "bundle %s (%s)\n", rep.BundleID, rep.Source); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tSTATE\tCOUNT")
	types := make([]string, 0, len(rep.Counts))
	for name := range rep.Counts {
		types = append(types, name)
	}
	sort.Strings(types)
	for _, name := range types {
		for _, state := range domain.AllStates {
			if n := rep.Counts[name][state]; n > 0 {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", name, state, n)
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if rep.Metrics != nil {
		ops := make([]string, 0, len(rep.Metrics.Results))
		for op := range rep.Metrics.Results {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			res := rep.Metrics.Results[op]
			_, _ = fmt.Fprintf(w, "metrics %s: %d ok, %d failed\n", op, res["success"], res["error"])
		}
	}
	if rep.Exposition != "" {
		if _, err := io.WriteString(w, rep.Exposition); err != nil {
			return err
		}
	}
	if len(rep.Invalid) == 0 {
		_, err := fmt.Fprintln(w, "no validation errors")
		return err
	}
	if _, err := fmt.Fprintf(w, "%d invalid entities:\n", len(rep.Invalid)); err != nil {
		return err
	}
	for _, ie := range rep.Invalid {
		_, _ = fmt.Fprintf(w, "  %s [%s]\n", ie.Entity, ie.State)
		for _, msg := range ie.Errors {
			_, _ = fmt.Fprintf(w, "    %s\n", msg)
		}
	}
	return nil
}
