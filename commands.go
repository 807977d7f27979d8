package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rcgen/pkg/cc"
	"rcgen/pkg/codegen"
	"rcgen/pkg/config"
	"rcgen/pkg/logger"
	"rcgen/pkg/types"
	"rcgen/pkg/watch"
)

// cliOptions holds flag values shared by all commands
type cliOptions struct {
	configPath string
	jsonLog    bool
	verbose    bool
	output     string
	showStats  bool
	watch      bool
	format     string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	o := &cliOptions{}
	root := &cobra.Command{
		Use:   "rcgen",
		Short: "Reference-counting code generator for C99",
		Long: `rcgen - emits reference-counting memory management for a type graph.

Given a schema of records, arrays, pointers, foreign and opaque types, rcgen
plans a refcount header for every managed container and writes a C99
translation unit with struct layouts and per-type deallocators.

Examples:
  rcgen generate types.toml -o rc.c      # Write the translation unit
  rcgen generate types.yaml --stats      # Print to stdout, report to stderr
  rcgen generate types.toml -o rc.c -w   # Regenerate whenever the schema changes
  rcgen plan types.toml                  # Show headers and deallocators
  rcgen stats types.toml                 # Show generation statistics
  rcgen check types.toml                 # Compile the output with the host C compiler
  rcgen config --format yaml             # Show the effective configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			o.cfg = cfg
			if err := logger.Initialize(o.jsonLog || cfg.Log.JSON, o.verbose || cfg.Log.Verbose); err != nil {
				return errors.Wrap(err, "failed to initialize logger")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&o.configPath, "config", "", "TOML config file (primitive names, naming prefixes, output)")
	root.PersistentFlags().BoolVar(&o.jsonLog, "json", false, "Log as JSON")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Verbose output")

	root.AddCommand(newGenerateCmd(o))
	root.AddCommand(newPlanCmd(o))
	root.AddCommand(newStatsCmd(o))
	root.AddCommand(newCheckCmd(o))
	root.AddCommand(newConfigCmd(o))
	return root
}

func newGenerateCmd(o *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <schema>",
		Short: "Generate the C translation unit for a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.watch && o.output == "" {
				return errors.WithHint(errors.New("--watch needs an output file"), "add -o <file>")
			}
			if err := o.generate(cmd, args[0]); err != nil {
				return err
			}
			if !o.watch {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.watchSchema(ctx, cmd, args[0])
		},
	}
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().BoolVar(&o.showStats, "stats", false, "Print generation statistics to stderr")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "Regenerate when the schema changes")
	return cmd
}

// generate writes one translation unit for schemaPath
func (o *cliOptions) generate(cmd *cobra.Command, schemaPath string) error {
	gen, err := o.generator(schemaPath)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gen.GenerateModule(&buf); err != nil {
		return err
	}
	if o.output == "" {
		if _, err := buf.WriteTo(cmd.OutOrStdout()); err != nil {
			return errors.Wrap(err, "failed to write output")
		}
	} else if err := os.WriteFile(o.output, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", o.output)
	}

	logger.Logger.Infow("generated", "schema", schemaPath, "output", o.output, "summary", gen.Stats.Summary())
	if o.showStats {
		fmt.Fprint(cmd.ErrOrStderr(), gen.Stats.String())
	}
	return nil
}

// watchSchema regenerates on every schema change until ctx is done.
// A broken schema is logged and the previous output is left in place.
func (o *cliOptions) watchSchema(ctx context.Context, cmd *cobra.Command, schemaPath string) error {
	w, err := watch.New(schemaPath, func(string) error {
		return o.generate(cmd, schemaPath)
	})
	if err != nil {
		return err
	}
	logger.Logger.Infow("watching schema", "schema", schemaPath, "output", o.output)
	return w.Run(ctx)
}

func newPlanCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <schema>",
		Short: "Show the refcount header and deallocators of every managed type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := o.generator(args[0])
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), gen)
		},
	}
}

func newStatsCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <schema>",
		Short: "Generate without output and report statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := o.generator(args[0])
			if err != nil {
				return err
			}
			if err := gen.GenerateModule(io.Discard); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), gen.Stats.String())
			return nil
		},
	}
}

func newCheckCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <schema>",
		Short: "Generate and compile the translation unit with the host C compiler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			compiler, err := cc.Find()
			if err != nil {
				return err
			}
			gen, err := o.generator(args[0])
			if err != nil {
				return err
			}
			var sb strings.Builder
			if err := gen.GenerateModule(&sb); err != nil {
				return err
			}

			diag, err := compiler.Check(cmd.Context(), sb.String())
			if diag != "" {
				fmt.Fprint(cmd.ErrOrStderr(), diag)
			}
			if err != nil {
				return err
			}
			pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("%s compiles (%s)", args[0], gen.Stats.Summary())
			return nil
		},
	}
}

func newConfigCmd(o *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := o.cfg.Marshal(o.format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&o.format, "format", "toml", "Output format: toml or yaml")
	return cmd
}

// generator loads a schema and builds a generator configured by o.cfg
func (o *cliOptions) generator(schemaPath string) (*codegen.Generator, error) {
	model, err := types.LoadFile(schemaPath)
	if err != nil {
		return nil, err
	}
	opts := codegen.DefaultOptions()
	if o.cfg != nil {
		opts = o.cfg.Options()
	}
	return codegen.New(model, opts)
}

func writePlan(w io.Writer, gen *codegen.Generator) error {
	data := pterm.TableData{{"TYPE", "HEADER", "DEALLOC", "STATIC", "TAGS"}}
	for _, t := range gen.Model.Containers() {
		info := gen.Plan(t)
		if info == nil {
			continue
		}
		tags := make([]string, 0, len(info.Tags))
		for _, s := range info.Tags {
			tags = append(tags, fmt.Sprintf("%s=%d", s.Base.Name, s.Value))
		}
		data = append(data, []string{
			t.Name, info.Field, orDash(info.Deallocator), orDash(info.StaticDeallocator), orDash(strings.Join(tags, ",")),
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render plan")
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
