// histopipe drives a histology image pipeline: renaming and splitting
// microscope exports, detecting brain masks, merging channels into
// pyramidal OME-TIFFs, and post-processing classifier output.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/deps"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/runners"
	"github.com/mlardeux/histopipe/tasks"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  run <experiment>          run the full pipeline for one experiment
  task <task> <input> [...] enqueue a single task and wait for it
  resume                    drain jobs left pending in the ledger
  deps                      check external dependencies
  config                    print the active configuration path

Tasks: %s
`, os.Args[0], strings.Join(taskNames(), ", "))
	os.Exit(2)
}

func taskNames() []string {
	var names []string
	for id := range tasks.GetTasks() {
		names = append(names, id)
	}
	return names
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("histopipe ")

	if len(os.Args) < 2 {
		usage()
	}

	cfg, cfgPath, err := appconfig.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.QuPath.ExePath != "" {
		deps.SetQuPathPath(cfg.QuPath.ExePath)
	}
	deps.RegisterAtlas(cfg.AtlasName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "run":
		runCmd(ctx, cfg, os.Args[2:])
	case "task":
		taskCmd(ctx, cfg, os.Args[2:])
	case "resume":
		resumeCmd(ctx, cfg)
	case "deps":
		depsCmd(ctx)
	case "config":
		fmt.Println(cfgPath)
	default:
		usage()
	}
}

// openQueue opens the job ledger and wires the config's stage limits.
func openQueue(cfg appconfig.Config) (*jobqueue.Queue, *sql.DB) {
	// busy_timeout keeps concurrent job updates from failing on a
	// locked database.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatalf("opening job ledger: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("pinging job ledger: %v", err)
	}

	q := jobqueue.NewQueueWithDB(db)
	for stage, limit := range cfg.StageLimits {
		q.SetStageLimit(stage, limit)
	}
	q.OnUpdate = printUpdate
	return q, db
}

// printUpdate mirrors job progress to the terminal.
func printUpdate(updateType string, job *jobqueue.Job, line string) {
	switch updateType {
	case "stdout":
		log.Printf("[%s %s] %s", job.Command, shortID(job.ID), line)
	case "update":
		log.Printf("[%s %s] %s", job.Command, shortID(job.ID), job.State)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// drain runs the runner pool until the queue is empty or the context
// is cancelled.
func drain(ctx context.Context, q *jobqueue.Queue) {
	r := runners.New(q)
	defer r.Shutdown()
	if err := r.WaitUntilDone(ctx); err != nil {
		log.Fatalf("interrupted: %v", err)
	}

	failed := 0
	for _, job := range q.GetJobs() {
		if job.State == jobqueue.StateError {
			failed++
		}
	}
	if failed > 0 {
		log.Fatalf("%d jobs failed; inspect the ledger with runstat", failed)
	}
}

// runCmd enqueues the standard pipeline for one experiment: ingest,
// split, mask, merge, each step gated on the previous one.
func runCmd(ctx context.Context, cfg appconfig.Config, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "redo existing outputs")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s run [-overwrite] <experiment>\n", os.Args[0])
		os.Exit(2)
	}
	expID := fs.Arg(0)

	var taskArgs []string
	if *overwrite {
		taskArgs = []string{"-overwrite"}
	}

	q, db := openQueue(cfg)
	defer db.Close()

	w := jobqueue.Workflow{
		Command: "merge", Arguments: taskArgs, Input: expID,
		Children: []jobqueue.Workflow{{
			Command: "mask", Arguments: taskArgs, Input: expID,
			Children: []jobqueue.Workflow{{
				Command: "split", Arguments: taskArgs, Input: expID,
				Children: []jobqueue.Workflow{{
					Command: "ingest", Arguments: taskArgs, Input: expID,
				}},
			}},
		}},
	}
	if _, err := q.AddWorkflow(w); err != nil {
		log.Fatalf("enqueueing pipeline: %v", err)
	}
	log.Printf("pipeline queued for %s", expID)
	drain(ctx, q)
}

// taskCmd enqueues one task with explicit arguments.
func taskCmd(ctx context.Context, cfg appconfig.Config, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s task <task> <input> [task arguments...]\n", os.Args[0])
		os.Exit(2)
	}
	command, input := args[0], args[1]
	if _, ok := tasks.GetTasks()[command]; !ok {
		log.Fatalf("unknown task %q; available: %s", command, strings.Join(taskNames(), ", "))
	}

	q, db := openQueue(cfg)
	defer db.Close()

	if _, err := q.AddJob(command, args[2:], input, nil); err != nil {
		log.Fatalf("enqueueing %s: %v", command, err)
	}
	drain(ctx, q)
}

// resumeCmd drains whatever the ledger still holds. Jobs that were
// in progress when the previous run stopped are already reset to
// pending on load.
func resumeCmd(ctx context.Context, cfg appconfig.Config) {
	q, db := openQueue(cfg)
	defer db.Close()

	pending := 0
	for _, job := range q.GetJobs() {
		if job.State == jobqueue.StatePending {
			pending++
		}
	}
	if pending == 0 {
		log.Print("nothing to resume")
		return
	}
	log.Printf("resuming %d pending jobs", pending)
	drain(ctx, q)
}

// depsCmd reports the install state of every registered dependency.
func depsCmd(ctx context.Context) {
	for _, dep := range deps.GetAll() {
		exists, version, err := dep.Check(ctx)
		switch {
		case err != nil:
			fmt.Printf("%-24s error: %v\n", dep.ID, err)
		case exists && version != "":
			fmt.Printf("%-24s ok (%s)\n", dep.ID, version)
		case exists:
			fmt.Printf("%-24s ok\n", dep.ID)
		case dep.ManualOnly:
			fmt.Printf("%-24s missing, install manually: %s\n", dep.ID, dep.InstallURL)
		default:
			fmt.Printf("%-24s missing, will download on first use\n", dep.ID)
		}
	}
}
