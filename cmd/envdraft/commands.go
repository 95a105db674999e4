package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/envdraft/compliance"
	"github.com/c360studio/envdraft/config"
	"github.com/c360studio/envdraft/engine"
	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/export"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/server"
	"github.com/c360studio/envdraft/template"
)

// errComplianceFailed makes the check command exit non-zero.
var errComplianceFailed = errors.New("compliance check failed")

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.NewLoader(slog.Default()).Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openEngine(ctx context.Context, flags *globalFlags, reg prometheus.Registerer) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}
	e, err := engine.FromConfig(ctx, cfg, slog.Default(), m)
	if err != nil {
		return nil, nil, err
	}
	return e, cfg, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the drafting API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			e, cfg, err := openEngine(ctx, flags, reg)
			if err != nil {
				return err
			}
			defer e.Close()

			if cfg.Library.Watch {
				w, err := engine.NewWatcher(e, 0, slog.Default())
				if err != nil {
					return fmt.Errorf("start library watcher: %w", err)
				}
				go func() {
					if err := w.Run(ctx); err != nil {
						slog.Error("Library watcher stopped", "error", err)
					}
				}()
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			slog.Info("Envdraft ready",
				"version", Version,
				"provider", cfg.Provider.Name,
				"model", cfg.Generation.Model,
				"documents", len(e.Documents()))
			return server.New(e, server.WithGatherer(reg), server.WithLogger(slog.Default())).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func assembleCmd(flags *globalFlags) *cobra.Command {
	var (
		dataPath string
		userID   string
		format   string
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "assemble <document-type>",
		Short: "Assemble one document for an enterprise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			data, err := readEnterprise(dataPath, cmd.InOrStdin())
			if err != nil {
				return err
			}

			e, _, err := openEngine(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			doc, err := e.AssembleDocument(cmd.Context(), args[0], data, userID)
			if err != nil {
				return err
			}
			if n := doc.Degraded(); n > 0 {
				slog.Warn("Document contains fallback sections", "count", n)
			}
			return writeOutput(cmd.OutOrStdout(), outPath, func(w io.Writer) error {
				return export.Write(w, doc, f)
			})
		},
	}

	cmd.Flags().StringVarP(&dataPath, "data", "d", "-", "Enterprise data file (JSON or YAML, - for stdin)")
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "User ID charged for provider calls")
	cmd.Flags().StringVarP(&format, "format", "f", "html", "Output format (html, markdown, json)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func sectionCmd(flags *globalFlags) *cobra.Command {
	var (
		dataPath string
		userID   string
	)

	cmd := &cobra.Command{
		Use:   "section <chapter/section>",
		Short: "Generate a single section and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readEnterprise(dataPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			e, _, err := openEngine(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.GenerateSingleSection(cmd.Context(), args[0], data, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVarP(&dataPath, "data", "d", "-", "Enterprise data file (JSON or YAML, - for stdin)")
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "User ID charged for provider calls")
	return cmd
}

func checkCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <sections-file>",
		Short: "Audit section texts against the rule matrix",
		Long: `Check reads a JSON or YAML mapping of "chapter/section" keys to section
text and prints the aggregate compliance report. It exits non-zero when any
section fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			var texts map[string]string
			if err := readStructured(args[0], cmd.InOrStdin(), &texts); err != nil {
				return err
			}
			matrix, err := compliance.LoadMatrix(cfg.Library.RulesFile)
			if err != nil {
				return err
			}

			sum := compliance.NewChecker(matrix).CheckMany(texts)
			if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if !sum.OverallPassed {
				return errComplianceFailed
			}
			return nil
		},
	}
}

func validateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, template library and rule matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			cat, err := template.Load(template.Options{
				Root:          cfg.Library.TemplateRoot,
				DocumentsFile: cfg.Library.DocumentsFile,
			})
			if err != nil {
				return err
			}
			matrix, err := compliance.LoadMatrix(cfg.Library.RulesFile)
			if err != nil {
				return err
			}

			var unbound []string
			for _, key := range matrix.Sections() {
				k, err := template.ParseKey(key)
				if err != nil {
					unbound = append(unbound, key)
					continue
				}
				if _, ok := cat.Get(k); !ok {
					unbound = append(unbound, key)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sections:  %d\n", cat.Len())
			fmt.Fprintf(out, "documents: %d\n", len(cat.Documents()))
			fmt.Fprintf(out, "rules:     %d sections\n", len(matrix.Sections()))
			fmt.Fprintf(out, "checks:    %s\n", strings.Join(compliance.Checks(), ", "))
			fmt.Fprintf(out, "version:   %s\n", cat.Version())
			if len(unbound) > 0 {
				fmt.Fprintf(out, "warning: rules for unknown sections: %s\n", strings.Join(unbound, ", "))
			}
			return nil
		},
	}
}

// readEnterprise loads enterprise data from a JSON or YAML file, or stdin
// for "-".
func readEnterprise(path string, stdin io.Reader) (enterprise.Data, error) {
	var data enterprise.Data
	if err := readStructured(path, stdin, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = enterprise.Data{}
	}
	return data, nil
}

// readStructured decodes JSON by extension and YAML otherwise. YAML is a
// superset of JSON, so stdin accepts either.
func readStructured(path string, stdin io.Reader, out any) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeOutput(stdout io.Writer, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
