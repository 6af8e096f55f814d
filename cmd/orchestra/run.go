package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/pkg/orchestra"
	"github.com/rendis/orchestra/pkg/schema"
)

func runPlan(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	settings := fs.String("settings", settingsPath(), "settings file")
	detach := fs.Bool("detach", false, "print the plan id and exit without waiting")
	watch := fs.Bool("watch", false, "log every transition while waiting")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestra run [flags] <plan.json|plan.yaml|plan.hcl>")
		return 2
	}

	cfg, err := loadConfig(*settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := orchestra.Open(ctx, cfg.Config, orchestra.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close(context.Background())
	if _, err := o.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	id, err := o.SubmitPlanFile(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *detach {
		fmt.Println(id)
		return 0
	}

	if *watch {
		events, err := o.Watch(ctx, id)
		if err == nil {
			go func() {
				for ev := range events {
					logger.InfoContext(logging.WithIDs(ctx, ev.PlanID, ev.StepID, ""), "transition",
						slog.String("from", ev.From), slog.String("to", ev.To), slog.String("detail", ev.Detail))
				}
			}()
		}
	}

	rep, err := o.Wait(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: plan %s: %v\n", id, err)
		return 1
	}
	if err := writeJSON(os.Stdout, rep); err != nil {
		return 1
	}
	if rep.Status != schema.PlanCompleted {
		return 1
	}
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	settings := fs.String("settings", settingsPath(), "settings file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestra validate [flags] <plan.json|plan.yaml|plan.hcl>")
		return 2
	}

	cfg, err := loadConfig(*settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	res, err := validateFile(context.Background(), cfg, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	_ = writeJSON(os.Stdout, res)
	if !res.Valid() {
		return 1
	}
	return 0
}

// validateFile checks a plan document against the agents the configuration
// would register, without touching the configured store.
func validateFile(ctx context.Context, cfg Config, path string) (*schema.ValidationResult, error) {
	def, err := planfile.Load(path)
	if err != nil {
		return nil, err
	}
	oc := cfg.Config
	oc.DSN = "memory:"
	oc.Archive.Endpoint = ""
	o, err := orchestra.Open(ctx, oc, orchestra.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, err
	}
	defer o.Close(ctx)
	return o.Validate(ctx, def), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
