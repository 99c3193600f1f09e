// Command cascadecore seeds organisation unit graphs and runs deletions
// through the cascade coordinator.
//
//	cascadecore [-config file] [-metrics] seed <fixture.yaml>
//	cascadecore [-config file] [-metrics] delete [-type T] [-actor name] <id>...
//	cascadecore [-config file] list [-type T]
//	cascadecore [-config file] tombstones [-type T]
//	cascadecore [-config file] handlers
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cascadecore/internal/archive"
	"cascadecore/internal/blob"
	"cascadecore/internal/config"
	"cascadecore/internal/core"
	"cascadecore/internal/deletion"
	"cascadecore/internal/fixtures"
	"cascadecore/internal/handlers"
	"cascadecore/internal/platform/logging"
	"cascadecore/internal/platform/otel"
	"cascadecore/pkg/domain"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cascadecore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML config file")
	showMetrics := fs.Bool("metrics", false, "print deletion metrics before exiting")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: cascadecore [flags] seed|delete|list|tombstones|handlers [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFailure
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitFailure
	}
	defer a.close(ctx)

	var code int
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "seed":
		code = a.runSeed(ctx, cmdArgs, stdout, stderr)
	case "delete":
		code = a.runDelete(ctx, cmdArgs, stdout, stderr)
	case "list":
		code = a.runList(cmdArgs, stdout, stderr)
	case "tombstones":
		code = a.runTombstones(ctx, cmdArgs, stdout, stderr)
	case "handlers":
		code = a.runHandlers(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}
	if *showMetrics {
		a.printMetrics(stdout)
	}
	return code
}

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    core.PersistentStore
	service  *core.Service
	registry *deletion.Registry
	archive  *archive.Archive
	metrics  *prometheus.Registry
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, errors.Annotate(err, "logger")
	}
	shutdown, err := otel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, errors.Annotate(err, "telemetry")
	}
	store, err := core.OpenPersistentStore(cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		_ = shutdown(ctx)
		return nil, errors.Annotate(err, "storage")
	}
	registry, err := handlers.NewRegistry(logger)
	if err != nil {
		_ = core.CloseStore(store)
		_ = shutdown(ctx)
		return nil, err
	}
	promRegistry := prometheus.NewRegistry()
	metrics, err := deletion.NewPrometheusMetrics(promRegistry)
	if err != nil {
		_ = core.CloseStore(store)
		_ = shutdown(ctx)
		return nil, err
	}
	opts := []deletion.Option{
		deletion.WithLogger(logger),
		deletion.WithMetrics(metrics),
		deletion.WithBatchLimit(cfg.Deletion.BatchLimit),
	}

	a := &app{cfg: cfg, logger: logger, store: store, registry: registry, metrics: promRegistry, shutdown: shutdown}
	blobs, err := blob.Open(ctx, cfg.Archive)
	if err != nil {
		a.close(ctx)
		return nil, errors.Annotate(err, "archive")
	}
	if blobs != nil {
		a.archive = archive.New(blobs, archive.WithPrefix(cfg.Archive.Prefix), archive.WithLogger(logger))
		opts = append(opts, deletion.WithTombstones(a.archive))
	}
	a.service = core.NewService(store, deletion.NewCoordinator(store, registry, opts...), logger)
	logger.Debug("cascadecore ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.Int("handlers", registry.Len()))
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := core.CloseStore(a.store); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("flush traces", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) runSeed(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: cascadecore seed <fixture.yaml>")
		return exitUsage
	}
	g, err := fixtures.Load(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "seed: %v\n", err)
		return exitFailure
	}
	res, err := g.Apply(ctx, a.service)
	if err != nil {
		fmt.Fprintf(stderr, "seed: %v\n", err)
		return exitFailure
	}
	for _, v := range res.Violations {
		fmt.Fprintf(stderr, "warning: %s %s: %s\n", v.Entity, v.EntityID, v.Message)
	}
	fmt.Fprintf(stdout, "seeded %d entities and %d links\n", len(g.Entities()), len(g.Links))
	return exitOK
}

func (a *app) runDelete(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	typeName := fs.String("type", string(domain.EntityOrganisationUnit), "entity type to delete")
	actor := fs.String("actor", a.cfg.Deletion.Actor, "name recorded on tombstones")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	t, ok := parseEntityType(*typeName)
	if !ok || fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: cascadecore delete [-type T] [-actor name] <id>...")
		return exitUsage
	}
	if *actor != "" {
		ctx = deletion.WithActor(ctx, *actor)
	}
	if a.cfg.Deletion.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Deletion.Timeout)
		defer cancel()
	}

	var results []deletion.BatchResult
	if fs.NArg() == 1 {
		report, err := a.service.Delete(ctx, t, fs.Arg(0))
		results = []deletion.BatchResult{{Report: report, Err: err}}
	} else {
		var err error
		results, err = a.service.DeleteMany(ctx, t, fs.Args())
		if err != nil {
			fmt.Fprintf(stderr, "batch stopped: %v\n", err)
		}
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tSTATE\tWRITES\tDETAIL")
	code := exitOK
	for _, r := range results {
		detail := r.Report.Reason
		if r.Err != nil {
			code = exitFailure
			if _, denied := deletion.DeniedReason(r.Err); !denied {
				detail = r.Err.Error()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Report.Type, r.Report.ID, r.Report.State, r.Report.CascadeWrites(), detail)
	}
	_ = tw.Flush()
	return code
}

func (a *app) runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	typeName := fs.String("type", "", "restrict to one entity type")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	types := domain.EntityTypes
	if *typeName != "" {
		t, ok := parseEntityType(*typeName)
		if !ok {
			fmt.Fprintf(stderr, "unknown entity type %q\n", *typeName)
			return exitUsage
		}
		types = []domain.EntityType{t}
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tNAME\tREFERENCES")
	for _, t := range types {
		for _, e := range a.service.List(t) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t, e.EntityID(), e.DisplayName(), formatRefs(e.References()))
		}
	}
	_ = tw.Flush()
	return exitOK
}

func (a *app) runTombstones(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tombstones", flag.ContinueOnError)
	fs.SetOutput(stderr)
	typeName := fs.String("type", "", "restrict to one entity type")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if a.archive == nil {
		fmt.Fprintln(stderr, "tombstone archive is disabled")
		return exitFailure
	}
	var t domain.EntityType
	if *typeName != "" {
		var ok bool
		if t, ok = parseEntityType(*typeName); !ok {
			fmt.Fprintf(stderr, "unknown entity type %q\n", *typeName)
			return exitUsage
		}
	}
	stones, err := a.archive.List(ctx, t)
	if err != nil {
		fmt.Fprintf(stderr, "tombstones: %v\n", err)
		return exitFailure
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DELETED_AT\tTYPE\tID\tNAME\tBY")
	for _, s := range stones {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.DeletedAt.Format("2006-01-02T15:04:05Z07:00"), s.Type, s.ID, s.Name, s.DeletedBy)
	}
	_ = tw.Flush()
	return exitOK
}

func (a *app) runHandlers(stdout io.Writer) int {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLER\tOWNER\tVETOES\tCASCADES\tDETACH")
	for _, h := range a.registry.Handlers() {
		_, detaches := h.Detach()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", h.Name(), h.OwnerTypeName(), joinTypes(h.VetoTypes()), joinTypes(h.CascadeTypes()), detaches)
	}
	_ = tw.Flush()
	return exitOK
}

func (a *app) printMetrics(w io.Writer) {
	families, err := a.metrics.Gather()
	if err != nil {
		a.logger.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			value := m.GetCounter().GetValue()
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
}

func parseEntityType(name string) (domain.EntityType, bool) {
	for _, t := range domain.EntityTypes {
		if strings.EqualFold(string(t), name) {
			return t, true
		}
	}
	return "", false
}

func formatRefs(refs map[domain.EntityType][]string) string {
	var parts []string
	for _, t := range domain.EntityTypes {
		if ids := refs[t]; len(ids) > 0 {
			parts = append(parts, fmt.Sprintf("%s=%s", t, strings.Join(ids, ",")))
		}
	}
	return strings.Join(parts, " ")
}

func joinTypes(types []domain.EntityType) string {
	if len(types) == 0 {
		return "-"
	}
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = string(t)
	}
	return strings.Join(s, ",")
}
