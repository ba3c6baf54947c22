package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/ops"
	"github.com/hpungsan/prism/internal/source"
	"github.com/hpungsan/prism/internal/web"
)

// maxStdinBytes bounds piped extraction payloads.
const maxStdinBytes = 64 << 20

// newCLIApp creates the CLI application with all commands.
func newCLIApp(deps ops.Deps) *cli.App {
	app := &cli.App{
		Name:    "prism",
		Usage:   "Capability-aware multimodal context assembly",
		Version: Version,
		Commands: []*cli.Command{
			assembleCmd(deps),
			resolveCmd(deps),
			probeCmd(deps),
			probeBatchCmd(deps),
			overrideCmd(deps),
			capabilitiesCmd(deps),
			historyCmd(deps),
			exportCmd(deps),
			importCmd(deps),
			uiCmd(deps),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// pairArg parses the single provider:model positional argument.
func pairArg(c *cli.Context) (ops.ModelPair, error) {
	if c.NArg() != 1 {
		return ops.ModelPair{}, errors.NewInvalidRequest("expected exactly one provider:model argument")
	}
	return ops.ParsePair(c.Args().First())
}

// assembleCmd creates the assemble command.
func assembleCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:      "assemble",
		Usage:     "Assemble context for a model (reads a JSON array of extractions from stdin or --file)",
		ArgsUsage: "<provider:model>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Task text (required)"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read extractions from this file instead of stdin"},
			&cli.IntFlag{Name: "max-tokens", Usage: "Token budget (0: config default, negative: unbounded)"},
			&cli.BoolFlag{Name: "attachments", Value: true, Usage: "Include routed binary attachments"},
			&cli.BoolFlag{Name: "wait", Usage: "Wait for a probe when the model has no fresh entry"},
			&cli.StringFlag{Name: "format", Value: "text", Usage: "Output format: text|json"},
		},
		Action: func(c *cli.Context) error {
			pair, err := pairArg(c)
			if err != nil {
				return outputError(err)
			}
			format := c.String("format")
			if format != "text" && format != "json" {
				return outputError(errors.NewInvalidRequest("format must be text or json"))
			}

			sources, err := readExtractions(c.String("file"))
			if err != nil {
				return outputError(err)
			}

			output, err := ops.Assemble(c.Context, deps, ops.AssembleInput{
				Provider:           pair.Provider,
				Model:              pair.Model,
				Sources:            sources,
				Task:               c.String("task"),
				MaxTokens:          c.Int("max-tokens"),
				IncludeAttachments: c.Bool("attachments"),
				WaitForProbe:       c.Bool("wait"),
			})
			if output != nil {
				for _, w := range output.Warnings {
					fmt.Fprintf(os.Stderr, "warning: %s\n", w)
				}
				for _, s := range output.Skipped {
					fmt.Fprintf(os.Stderr, "skipped source %d: [%s] %s\n", s.Index, s.Code, s.Message)
				}
				var werr error
				if format == "text" {
					_, werr = fmt.Fprint(os.Stdout, output.Rendered)
				} else {
					werr = outputJSON(output)
				}
				if werr != nil && err == nil {
					err = werr
				}
			}
			if err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// resolveCmd creates the resolve command.
func resolveCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Show the effective capabilities of a model and their source layer",
		ArgsUsage: "<provider:model>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "probe", Usage: "Probe when no fresh entry exists"},
		},
		Action: func(c *cli.Context) error {
			pair, err := pairArg(c)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Resolve(c.Context, deps, ops.ResolveInput{
				Provider: pair.Provider,
				Model:    pair.Model,
				Probe:    c.Bool("probe"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// probeCmd creates the probe command.
func probeCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Probe one model for text, image and pdf support",
		ArgsUsage: "<provider:model>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "endpoint", Usage: "Override the configured API endpoint"},
			&cli.BoolFlag{Name: "no-cache", Usage: "Report only, leave the capability cache untouched"},
		},
		Action: func(c *cli.Context) error {
			pair, err := pairArg(c)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Probe(c.Context, deps, ops.ProbeInput{
				Provider:   pair.Provider,
				Model:      pair.Model,
				Endpoint:   c.String("endpoint"),
				WriteCache: !c.Bool("no-cache"),
			})
			if output != nil {
				if werr := outputJSON(output); werr != nil && err == nil {
					err = werr
				}
			}
			if err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// probeBatchCmd creates the probe-batch command.
func probeBatchCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:      "probe-batch",
		Usage:     "Probe several models concurrently and print a summary table",
		ArgsUsage: "<provider:model>...",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Value: 4, Usage: "Models probed at once"},
			&cli.BoolFlag{Name: "no-cache", Usage: "Report only, leave the capability cache untouched"},
			&cli.BoolFlag{Name: "json", Usage: "Print rows as JSON instead of a table"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("at least one provider:model is required"))
			}
			pairs := make([]ops.ModelPair, 0, c.NArg())
			for _, arg := range c.Args().Slice() {
				pair, err := ops.ParsePair(arg)
				if err != nil {
					return outputError(err)
				}
				pairs = append(pairs, pair)
			}

			output, err := ops.ProbeBatch(c.Context, deps, ops.ProbeBatchInput{
				Pairs:       pairs,
				WriteCache:  !c.Bool("no-cache"),
				Concurrency: c.Int("concurrency"),
			})
			if err != nil {
				return outputError(err)
			}
			if c.Bool("json") {
				return outputJSON(map[string]any{"batch_id": output.BatchID, "rows": output.Rows})
			}
			return ops.FormatRows(os.Stdout, output.Rows)
		},
	}
}

// overrideCmd creates the override command with set and clear subcommands.
func overrideCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:  "override",
		Usage: "Set or clear a local capability override",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Replace the override record for a model",
				ArgsUsage: "<provider:model>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "vision", Usage: "Model accepts images"},
					&cli.BoolFlag{Name: "pdf-native", Usage: "Model accepts PDF documents"},
					&cli.BoolFlag{Name: "pdf-as-images", Usage: "Model reads PDFs rendered as page images"},
					&cli.BoolFlag{Name: "base64-only", Usage: "Images must be inline base64"},
					&cli.BoolFlag{Name: "images-first", Usage: "Images must precede text"},
					&cli.StringFlag{Name: "shape", Usage: "Message shape (default: the provider's)"},
				},
				Action: func(c *cli.Context) error {
					pair, err := pairArg(c)
					if err != nil {
						return outputError(err)
					}
					output, err := ops.SetOverride(deps, ops.SetOverrideInput{
						Provider:             pair.Provider,
						Model:                pair.Model,
						SupportsVision:       c.Bool("vision"),
						SupportsPDFNative:    c.Bool("pdf-native"),
						SupportsPDFAsImages:  c.Bool("pdf-as-images"),
						RequiresBase64Images: c.Bool("base64-only"),
						RequiresImagesFirst:  c.Bool("images-first"),
						MessageShape:         c.String("shape"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "clear",
				Usage:     "Remove the override record for a model",
				ArgsUsage: "<provider:model>",
				Action: func(c *cli.Context) error {
					pair, err := pairArg(c)
					if err != nil {
						return outputError(err)
					}
					output, err := ops.ClearOverride(deps, ops.ClearOverrideInput{
						Provider: pair.Provider,
						Model:    pair.Model,
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// capabilitiesCmd creates the capabilities command.
func capabilitiesCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "List the effective capabilities of known models",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "Filter by provider"},
			&cli.BoolFlag{Name: "static", Usage: "Include models known only to the static table"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListCapabilities(deps, ops.ListInput{
				Provider:      c.String("provider"),
				IncludeStatic: c.Bool("static"),
				Limit:         c.Int("limit"),
				Offset:        c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// historyCmd creates the history command.
func historyCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List recorded probe attempts, newest first",
		ArgsUsage: "[provider[:model]]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultHistoryLimit, Usage: "Maximum attempts to return"},
		},
		Action: func(c *cli.Context) error {
			input := ops.HistoryInput{Limit: c.Int("limit")}
			if c.NArg() > 0 {
				provider, model, _ := strings.Cut(c.Args().First(), ":")
				input.Provider = provider
				input.Model = model
			}
			output, err := ops.ProbeHistory(deps, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export stored capability entries to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Usage: "Output file path (default: ~/.prism/exports/<provider|all>-<timestamp>.jsonl)"},
			&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "Filter by provider"},
			&cli.StringFlag{Name: "layer", Value: "all", Usage: "Layer to export: all|overrides|probed"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ExportCapabilities(c.Context, deps, ops.ExportInput{
				Path:     c.String("path"),
				Provider: c.String("provider"),
				Layer:    c.String("layer"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// importCmd creates the import command.
func importCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import capability entries from a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true, Usage: "Input file path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ImportCapabilities(deps, ops.ImportInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// uiCmd creates the ui command.
func uiCmd(deps ops.Deps) *cli.Command {
	return &cli.Command{
		Name:  "ui",
		Usage: "Serve the local capability dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 7778, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv, err := web.NewServer(deps, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(err)
			}
			if err := web.Run(srv, deps.Logger); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// Helper functions

// readExtractions decodes a JSON array of extractions from path, or from
// stdin when path is empty.
func readExtractions(path string) ([]source.Extraction, error) {
	var data string
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				return nil, errors.NewNotFound(path)
			}
			return nil, errors.NewInternal(err)
		}
		data = string(b)
	} else {
		if !stdinHasData() {
			return nil, errors.NewInvalidRequest("extractions must be piped via stdin or given with --file")
		}
		s, err := readStdin(maxStdinBytes)
		if err != nil {
			return nil, errors.NewInvalidRequest(err.Error())
		}
		data = s
	}

	var sources []source.Extraction
	if err := json.Unmarshal([]byte(data), &sources); err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("extractions must be a JSON array: %v", err))
	}
	return sources, nil
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var perr *errors.PrismError
	if stderrors.As(err, &perr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", perr.Code, perr.Message), 1)
	}
	if stderrors.Is(err, context.Canceled) {
		return cli.Exit("[CANCELLED] operation cancelled", 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}
