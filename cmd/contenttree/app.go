package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"modulacms/internal/blob"
	"modulacms/internal/config"
	"modulacms/internal/core"
	"modulacms/internal/export"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// app carries the per-invocation state shared by all subcommands.
type app struct {
	out, errOut io.Writer

	configPath  string
	output      string
	metricsFile string

	loader   *config.Loader
	cfg      config.Config
	logger   *core.ZerologLogger
	svc      *core.Service
	registry *prometheus.Registry
	expvar   *core.ExpvarMetricsRecorder
}

// execute runs one invocation and always releases what setup opened.
func execute(ctx context.Context, out, errOut io.Writer, args []string) error {
	a := &app{out: out, errOut: errOut, loader: config.NewLoader()}
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "contenttree",
		Short: "Manage an ordered content forest",
		Long: `contenttree manipulates the content forest stored in sqlite, postgres or memory.

Configuration sources, highest precedence first:
  1. command line flags
  2. MODULACMS_* environment variables
  3. the YAML file given by --config or MODULACMS_CONFIG`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVarP(&a.output, "output", "o", "json", "output format: json|yaml")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write prometheus metrics in text format to this file on exit")
	pf.String("driver", "", "storage driver: memory|sqlite|postgres")
	pf.String("db", "", "sqlite database path")
	pf.String("dsn", "", "postgres DSN")
	pf.String("forest", "", "forest: content|admin")
	pf.String("log-level", "", "log level: debug|info|warn|error")
	for key, flag := range map[string]string{
		"storage.driver":       "driver",
		"storage.sqlite_path":  "db",
		"storage.postgres_dsn": "dsn",
		"storage.forest":       "forest",
		"log.level":            "log-level",
	} {
		if err := a.loader.BindFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		a.initCmd(),
		a.createCmd(),
		a.updateCmd(),
		a.moveCmd(),
		a.reorderCmd(),
		a.deleteCmd(),
		a.treeCmd(),
		a.childrenCmd(),
		a.fieldCmd(),
		a.checkCmd(),
		a.repairCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	switch a.output {
	case "json", "yaml":
	default:
		return fmt.Errorf("%w: unknown output %q", errUsage, a.output)
	}
	cfg, err := a.loader.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.Log.File != "" {
		a.logger, err = core.NewZerologFileLogger(cfg.Log.File, cfg.Log.Level)
	} else {
		a.logger, err = core.NewZerologLogger(a.errOut, cfg.Log.Level)
	}
	if err != nil {
		return err
	}

	opts := append(cfg.ServiceOptions(), core.WithLogger(a.logger))
	switch cfg.Metrics.Exporter {
	case config.MetricsPrometheus:
		a.registry = prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(a.registry)
		if err != nil {
			return err
		}
		opts = append(opts, core.WithMetricsRecorder(rec))
	case config.MetricsExpvar:
		a.expvar = core.NewExpvarMetricsRecorder("")
		opts = append(opts, core.WithMetricsRecorder(a.expvar))
	}

	store, err := core.OpenStore(core.NewDefaultRulesEngine(), cfg.StorageOptions())
	if err != nil {
		return err
	}
	a.svc = core.NewService(store, opts...)
	a.logger.Debug("store opened", "command", cmd.Name(), "driver", cfg.Storage.Driver, "forest", a.svc.Forest())
	return nil
}

func (a *app) teardown() error {
	var errs []error
	if a.expvar != nil {
		snap := a.expvar.Snapshot()
		a.logger.Debug("metrics", "results", snap.Results, "durations_ms", snap.DurationsMS)
	}
	if a.metricsFile != "" && a.registry != nil {
		if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

func (a *app) exporter(ctx context.Context) (*export.Exporter, error) {
	store, err := blob.Open(ctx, a.cfg.BlobConfig())
	if err != nil {
		return nil, err
	}
	return export.New(a.svc, store, export.WithLogger(a.logger)), nil
}

// print writes v as indented JSON or block-style YAML. YAML keys follow the
// JSON field names and order.
func (a *app) print(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if a.output == "json" {
		_, err = fmt.Fprintln(a.out, string(raw))
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = a.out.Write(buf.Bytes())
	return err
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// ref turns a flag value into an optional identifier; "" and "-" mean none.
func ref(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" || v == "-" {
		return nil
	}
	return &v
}
