// runstat inspects a histopipe job ledger without starting the
// pipeline: per-state counts, recent jobs, and the captured output of
// a single job.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/jobqueue"
)

var stateNames = map[string]jobqueue.JobState{
	"pending":     jobqueue.StatePending,
	"in_progress": jobqueue.StateInProgress,
	"completed":   jobqueue.StateCompleted,
	"cancelled":   jobqueue.StateCancelled,
	"error":       jobqueue.StateError,
}

func main() {
	var (
		dbPath string
		jobID  string
		state  string
		limit  int
		clear  bool
	)

	flag.StringVar(&dbPath, "db", "", "Path to the job ledger (default from config)")
	flag.StringVar(&jobID, "job", "", "Print the stored output of one job (ID prefix)")
	flag.StringVar(&state, "state", "", "Only list jobs in this state: pending|in_progress|completed|cancelled|error")
	flag.IntVar(&limit, "n", 20, "Number of jobs to list")
	flag.BoolVar(&clear, "clear", false, "Delete all jobs that are not running")
	flag.Parse()

	if dbPath == "" {
		dbPath = appconfig.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("job ledger not found at %s", dbPath)
	}

	// busy_timeout lets runstat read while a pipeline is running.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping ledger: %v", err)
	}

	if clear {
		res, err := db.Exec(`DELETE FROM jobs WHERE state != ?`, int(jobqueue.StateInProgress))
		if err != nil {
			log.Fatalf("clear jobs: %v", err)
		}
		n, _ := res.RowsAffected()
		fmt.Printf("Deleted %d job(s).\n", n)
		return
	}

	if jobID != "" {
		printJobOutput(db, jobID)
		return
	}

	printCounts(db)
	printJobs(db, state, limit)
}

func printCounts(db *sql.DB) {
	rows, err := db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state ORDER BY state`)
	if err != nil {
		log.Fatalf("count jobs: %v", err)
	}
	defer rows.Close()

	total := 0
	var parts []string
	for rows.Next() {
		var s, n int
		if err := rows.Scan(&s, &n); err != nil {
			log.Fatalf("scan counts: %v", err)
		}
		parts = append(parts, fmt.Sprintf("%s=%d", jobqueue.JobState(s), n))
		total += n
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("read counts: %v", err)
	}
	fmt.Printf("%d job(s): %s\n\n", total, strings.Join(parts, " "))
}

func printJobs(db *sql.DB, state string, limit int) {
	query := `SELECT id, command, input, state, created_at, completed_at FROM jobs`
	var args []any
	if state != "" {
		s, ok := stateNames[state]
		if !ok {
			log.Fatalf("unknown state %q", state)
		}
		query += ` WHERE state = ?`
		args = append(args, int(s))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		log.Fatalf("list jobs: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, command, input string
		var jobState int
		var createdAt, completedAt sql.NullTime
		if err := rows.Scan(&id, &command, &input, &jobState, &createdAt, &completedAt); err != nil {
			log.Fatalf("scan job: %v", err)
		}
		dur := ""
		if createdAt.Valid && completedAt.Valid && completedAt.Time.After(createdAt.Time) {
			dur = completedAt.Time.Sub(createdAt.Time).Round(time.Second).String()
		}
		fmt.Printf("%-8s  %-14s  %-12s  %-40s  %s\n",
			shortID(id), command, jobqueue.JobState(jobState), truncate(input, 40), dur)
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("read jobs: %v", err)
	}
}

func printJobOutput(db *sql.DB, jobID string) {
	var stdout string
	err := db.QueryRow(`SELECT stdout FROM jobs WHERE id LIKE ?`, jobID+"%").Scan(&stdout)
	if err == sql.ErrNoRows {
		log.Fatalf("no job matching %q", jobID)
	}
	if err != nil {
		log.Fatalf("read job: %v", err)
	}

	var lines []string
	if stdout != "" {
		if err := json.Unmarshal([]byte(stdout), &lines); err != nil {
			log.Fatalf("decode stdout: %v", err)
		}
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
