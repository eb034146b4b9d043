package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"postwise/internal/app"
	"postwise/internal/config"
	"postwise/internal/features"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

const usage = `usage: postwise [-config path] <command> [flags]

commands:
  serve      run the daemon (retrain scheduler, alerts, metrics, config reload)
  plan       next slot for a page (-next) or a schedule for [-from, -to]
  validate   check a schedule (JSON list of times) against a page
  record     store one published post with its analytics
  analyze    historical performance analysis of a page
  train      retrain one page (-page) or every stored page
  predict    predict performance of a draft (JSON features)
  suggest    rank edits that would improve a draft
  status     model status of a page
  runs       recent training runs of a page
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type env struct {
	cfgPath string
	level   string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	now     func() time.Time
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runEnv(args, env{stdin: stdin, stdout: stdout, stderr: stderr, now: time.Now})
}

// runEnv parses the global flags into e and dispatches the subcommand.
func runEnv(args []string, e env) int {
	stderr := e.stderr
	fs := flag.NewFlagSet("postwise", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	fs.StringVar(&e.cfgPath, "config", "./postwise.yaml", "path to config (yaml or json)")
	fs.StringVar(&e.level, "log-level", "warn", "log level for one-shot commands")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	cmds := map[string]func(context.Context, env, []string) error{
		"serve":    cmdServe,
		"plan":     cmdPlan,
		"validate": cmdValidate,
		"record":   cmdRecord,
		"analyze":  cmdAnalyze,
		"train":    cmdTrain,
		"predict":  cmdPredict,
		"suggest":  cmdSuggest,
		"status":   cmdStatus,
		"runs":     cmdRuns,
	}
	fn, ok := cmds[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := fn(ctx, e, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(stderr, "error:", ue.msg)
			return 2
		}
		fmt.Fprintln(stderr, "fatal:", err)
		return 1
	}
	return 0
}

type usageError struct{ msg string }

func (u usageError) Error() string { return u.msg }

func usagef(format string, a ...any) error { return usageError{msg: fmt.Sprintf(format, a...)} }

func (e env) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// build loads the config and wires the engines for a one-shot command.
func (e env) build() (*app.Components, error) {
	cfg, err := config.NewManager(e.cfgPath).Load()
	if err != nil {
		return nil, err
	}
	return app.Build(cfg, logx.NewConsole(e.level), app.WithClock(e.now))
}

func (e env) emit(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodeInput reads JSON from path, or stdin when path is "" or "-".
func (e env) decodeInput(path string, v any) error {
	var r io.Reader = e.stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", s)
}

func requirePage(page string) error {
	if strings.TrimSpace(page) == "" {
		return usagef("-page is required")
	}
	return nil
}

func cmdServe(ctx context.Context, e env, args []string) error {
	if err := e.flags("serve").Parse(args); err != nil {
		return err
	}
	a, err := app.New(e.cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := a.Stop(sctx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}

type slotOut struct {
	Page      string    `json:"page"`
	At        time.Time `json:"at"`
	Local     string    `json:"local"`
	Fallback  bool      `json:"fallback"`
	Committed bool      `json:"committed"`
}

func cmdPlan(ctx context.Context, e env, args []string) error {
	fs := e.flags("plan")
	page := fs.String("page", "", "page id")
	next := fs.Bool("next", false, "plan the next free slot")
	commit := fs.Bool("commit", false, "with -next: record the slot as taken")
	from := fs.String("from", "", "range start (RFC3339 or YYYY-MM-DD)")
	to := fs.String("to", "", "range end (RFC3339 or YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	if !*next && (*from == "" || *to == "") {
		return usagef("plan needs -next or both -from and -to")
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()

	if *next {
		slot, err := comp.Planner.PlanNext(ctx, *page)
		if err != nil {
			return err
		}
		out := slotOut{Page: *page, At: slot.At, Fallback: slot.Fallback}
		if pg, err := comp.Planner.Page(*page); err == nil {
			if loc, err := comp.Calendar.Location(pg.Region); err == nil {
				out.Local = slot.At.In(loc).Format(time.RFC3339)
			}
		}
		if *commit {
			if err := comp.Planner.Commit(ctx, *page, slot.At); err != nil {
				return err
			}
			out.Committed = true
		}
		return e.emit(out)
	}

	start, err := parseTime(*from)
	if err != nil {
		return usagef("-from: %v", err)
	}
	end, err := parseTime(*to)
	if err != nil {
		return usagef("-to: %v", err)
	}
	plan, err := comp.Planner.PlanRange(ctx, *page, start, end)
	if err != nil {
		return err
	}
	return e.emit(plan)
}

func cmdValidate(_ context.Context, e env, args []string) error {
	fs := e.flags("validate")
	page := fs.String("page", "", "page id")
	file := fs.String("file", "-", "JSON array of times; - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	var raw []string
	if err := e.decodeInput(*file, &raw); err != nil {
		return err
	}
	sched := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		t, err := parseTime(s)
		if err != nil {
			return usagef("%v", err)
		}
		sched = append(sched, t)
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	rep, err := comp.Planner.Validate(*page, sched)
	if err != nil {
		return err
	}
	return e.emit(rep)
}

type recordIn struct {
	Record    features.Record    `json:"record"`
	Analytics features.Analytics `json:"analytics"`
}

func cmdRecord(ctx context.Context, e env, args []string) error {
	fs := e.flags("record")
	page := fs.String("page", "", "page id")
	file := fs.String("file", "-", `JSON {"record": ..., "analytics": ...}; - for stdin`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	var in recordIn
	if err := e.decodeInput(*file, &in); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	s, err := comp.Planner.Record(ctx, *page, in.Record, in.Analytics)
	if err != nil {
		return err
	}
	return e.emit(s)
}

func cmdAnalyze(ctx context.Context, e env, args []string) error {
	fs := e.flags("analyze")
	page := fs.String("page", "", "page id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	an, err := comp.Planner.Analyze(ctx, *page)
	if err != nil {
		return err
	}
	return e.emit(an)
}

func cmdTrain(ctx context.Context, e env, args []string) error {
	fs := e.flags("train")
	page := fs.String("page", "", "page id; empty trains every page with stored samples")
	if err := fs.Parse(args); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	if *page != "" {
		r, err := comp.Planner.Train(ctx, *page)
		if err != nil {
			return err
		}
		return e.emit(r)
	}
	trainErr := comp.Retrain.TrainAll(ctx)
	if comp.Store == nil {
		return trainErr
	}
	pages, err := comp.Store.Pages(ctx)
	if err != nil {
		return err
	}
	latest := make(map[string]storage.TrainingRun, len(pages))
	for _, id := range pages {
		runs, err := comp.Store.TrainingRuns(ctx, id, 1)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			latest[id] = runs[0]
		}
	}
	if err := e.emit(latest); err != nil {
		return err
	}
	return trainErr
}

func cmdPredict(ctx context.Context, e env, args []string) error {
	fs := e.flags("predict")
	page := fs.String("page", "", "page id")
	file := fs.String("file", "-", "JSON content features; - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	var f features.ContentFeatures
	if err := e.decodeInput(*file, &f); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	p, err := comp.Planner.Predict(ctx, *page, f)
	if err != nil {
		return err
	}
	return e.emit(p)
}

func cmdSuggest(ctx context.Context, e env, args []string) error {
	fs := e.flags("suggest")
	page := fs.String("page", "", "page id")
	file := fs.String("file", "-", "JSON content features; - for stdin")
	target := fs.Float64("target", 0.2, "target relative improvement")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	var f features.ContentFeatures
	if err := e.decodeInput(*file, &f); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	s, err := comp.Planner.Suggest(ctx, *page, f, *target)
	if err != nil {
		return err
	}
	return e.emit(s)
}

func cmdStatus(_ context.Context, e env, args []string) error {
	fs := e.flags("status")
	page := fs.String("page", "", "page id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	st, err := comp.Planner.Status(*page)
	if err != nil {
		return err
	}
	return e.emit(st)
}

func cmdRuns(ctx context.Context, e env, args []string) error {
	fs := e.flags("runs")
	page := fs.String("page", "", "page id")
	limit := fs.Int("limit", 10, "max runs, newest first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePage(*page); err != nil {
		return err
	}
	comp, err := e.build()
	if err != nil {
		return err
	}
	defer comp.Close()
	if comp.Store == nil {
		return errors.New("storage is disabled")
	}
	runs, err := comp.Store.TrainingRuns(ctx, *page, *limit)
	if err != nil {
		return err
	}
	return e.emit(runs)
}
