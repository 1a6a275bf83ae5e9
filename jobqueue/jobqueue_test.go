package jobqueue

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobStateString(t *testing.T) {
	tests := []struct {
		state JobState
		want  string
	}{
		{StatePending, "Pending"},
		{StateInProgress, "InProgress"},
		{StateCompleted, "Completed"},
		{StateCancelled, "Cancelled"},
		{StateError, "Error"},
		{JobState(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("JobState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestAddAndClaimJob(t *testing.T) {
	q := NewQueue()

	id, err := q.AddJob("split", []string{"--channels", "2"}, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	job, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claimable job, got nil")
	}
	if job.ID != id {
		t.Errorf("claimed job ID = %q, want %q", job.ID, id)
	}
	if job.State != StateInProgress {
		t.Errorf("claimed job state = %v, want InProgress", job.State)
	}
	if job.Stage != "split" {
		t.Errorf("job stage = %q, want %q", job.Stage, "split")
	}
}

func TestClaimRespectsDependencies(t *testing.T) {
	q := NewQueue()

	depID, err := q.AddJob("mask", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	childID, err := q.AddJob("merge", nil, "EXP01", []string{depID})
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	// First claim should return the dependency, not the child.
	job, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil || job.ID != depID {
		t.Fatalf("expected to claim dependency %s first, got %+v", depID, job)
	}

	// Child must not be claimable while the dependency is in progress.
	job, err = q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no claimable job while dependency runs, got %s", job.ID)
	}

	if err := q.CompleteJob(depID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	job, err = q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil || job.ID != childID {
		t.Fatalf("expected to claim child %s after dependency completed, got %+v", childID, job)
	}
}

func TestFailedDependencyCancelsDependents(t *testing.T) {
	q := NewQueue()

	depID, err := q.AddJob("mask", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	childID, err := q.AddJob("merge", nil, "EXP01", []string{depID})
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	grandID, err := q.AddJob("pyramid", nil, "EXP01", []string{childID})
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	job, err := q.ClaimJob()
	if err != nil || job == nil || job.ID != depID {
		t.Fatalf("expected to claim %s, got %+v (err %v)", depID, job, err)
	}
	if err := q.ErrorJob(depID); err != nil {
		t.Fatalf("ErrorJob failed: %v", err)
	}

	// The whole dependent chain must reach a terminal state; otherwise
	// the queue never drains after a stage failure.
	if got := q.GetJob(childID).State; got != StateCancelled {
		t.Errorf("child state = %v, want Cancelled", got)
	}
	if got := q.GetJob(grandID).State; got != StateCancelled {
		t.Errorf("grandchild state = %v, want Cancelled", got)
	}
	if !q.Done() {
		t.Error("queue should report done once the failed chain is terminal")
	}
	if job, _ := q.ClaimJob(); job != nil {
		t.Errorf("no job should be claimable, got %s", job.ID)
	}
}

func TestRestoredLedgerCancelsOrphanedDependents(t *testing.T) {
	db := newTestDB(t)

	q := NewQueueWithDB(db)
	depID, err := q.AddJob("mask", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	childID, err := q.AddJob("merge", nil, "EXP01", []string{depID})
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if _, err := q.ClaimJob(); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	// Write the failed dependency straight to the ledger, leaving the
	// pending child as an interrupted run would.
	q.mu.Lock()
	q.Jobs[depID].State = StateError
	if err := q.saveJobToDB(q.Jobs[depID]); err != nil {
		t.Fatalf("saveJobToDB failed: %v", err)
	}
	if err := q.saveJobToDB(q.Jobs[childID]); err != nil {
		t.Fatalf("saveJobToDB failed: %v", err)
	}
	q.mu.Unlock()

	restored := NewQueueWithDB(db)
	if got := restored.GetJob(childID).State; got != StateCancelled {
		t.Errorf("restored child state = %v, want Cancelled", got)
	}
	if !restored.Done() {
		t.Error("restored queue should report done")
	}
}

func TestStageLimits(t *testing.T) {
	q := NewQueue()
	q.SetStageLimit("qupath", 1)
	q.DefaultLimit = 2

	if _, err := q.AddJob("qupath", nil, "EXP01", nil); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if _, err := q.AddJob("qupath", nil, "EXP02", nil); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	first, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if first == nil {
		t.Fatal("expected first qupath job to be claimable")
	}

	// Second qupath job must wait: the stage is capped at one.
	second, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if second != nil {
		t.Fatalf("expected stage limit to block second qupath job, got %s", second.ID)
	}

	if err := q.CompleteJob(first.ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	second, err = q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if second == nil {
		t.Fatal("expected second qupath job to be claimable after first completed")
	}
}

func TestDefaultStageLimit(t *testing.T) {
	q := NewQueue()
	q.DefaultLimit = 2

	for _, input := range []string{"EXP01", "EXP02", "EXP03"} {
		if _, err := q.AddJob("split", nil, input, nil); err != nil {
			t.Fatalf("AddJob failed: %v", err)
		}
	}

	var claimed int
	for {
		job, err := q.ClaimJob()
		if err != nil {
			t.Fatalf("ClaimJob failed: %v", err)
		}
		if job == nil {
			break
		}
		claimed++
	}
	if claimed != 2 {
		t.Errorf("claimed %d jobs, want 2 (default stage limit)", claimed)
	}
}

func TestAddWorkflow(t *testing.T) {
	q := NewQueue()

	w := Workflow{
		Command: "merge",
		Input:   "EXP01",
		Children: []Workflow{
			{Command: "mask", Input: "EXP01", Children: []Workflow{
				{Command: "split", Input: "EXP01"},
			}},
		},
	}

	rootID, err := q.AddWorkflow(w)
	if err != nil {
		t.Fatalf("AddWorkflow failed: %v", err)
	}

	root := q.GetJob(rootID)
	if root == nil {
		t.Fatal("workflow root job not found")
	}
	if root.Command != "merge" {
		t.Errorf("root command = %q, want %q", root.Command, "merge")
	}
	if len(root.Dependencies) != 1 {
		t.Fatalf("root dependencies = %d, want 1", len(root.Dependencies))
	}

	mask := q.GetJob(root.Dependencies[0])
	if mask == nil || mask.Command != "mask" {
		t.Fatalf("expected mask dependency, got %+v", mask)
	}
	if len(mask.Dependencies) != 1 {
		t.Fatalf("mask dependencies = %d, want 1", len(mask.Dependencies))
	}
	split := q.GetJob(mask.Dependencies[0])
	if split == nil || split.Command != "split" {
		t.Fatalf("expected split leaf, got %+v", split)
	}

	// Only the leaf should be claimable initially.
	job, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil || job.Command != "split" {
		t.Fatalf("expected split to be claimed first, got %+v", job)
	}
}

func TestCancelJob(t *testing.T) {
	q := NewQueue()

	id, err := q.AddJob("pyramid", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	if err := q.CancelJob(id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	job := q.GetJob(id)
	if job.State != StateCancelled {
		t.Errorf("job state = %v, want Cancelled", job.State)
	}
	select {
	case <-job.Ctx.Done():
	default:
		t.Error("expected job context to be cancelled")
	}

	if err := q.CancelJob(id); err == nil {
		t.Error("expected error cancelling an already-cancelled job")
	}
}

func TestErrorJob(t *testing.T) {
	q := NewQueue()

	id, err := q.AddJob("segment", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	if err := q.ErrorJob(id); err == nil {
		t.Error("expected error when erroring a pending job")
	}

	if _, err := q.ClaimJob(); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if err := q.ErrorJob(id); err != nil {
		t.Fatalf("ErrorJob failed: %v", err)
	}
	if q.GetJob(id).State != StateError {
		t.Errorf("job state = %v, want Error", q.GetJob(id).State)
	}

	// Erroring a job must free its stage slot.
	if q.RunningCounts["segment"] != 0 {
		t.Errorf("running count = %d, want 0", q.RunningCounts["segment"])
	}
}

func TestPushJobStdout(t *testing.T) {
	q := NewQueue()

	id, err := q.AddJob("reorder", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	if err := q.PushJobStdout(id, "renamed exp01_s001.ome.tiff"); err != nil {
		t.Fatalf("PushJobStdout failed: %v", err)
	}
	if err := q.PushJobStdout(id, "renamed exp01_s002.ome.tiff"); err != nil {
		t.Fatalf("PushJobStdout failed: %v", err)
	}

	job := q.GetJob(id)
	if len(job.Stdout) != 2 {
		t.Fatalf("stdout lines = %d, want 2", len(job.Stdout))
	}
	if job.Stdout[0] != "renamed exp01_s001.ome.tiff" {
		t.Errorf("unexpected first stdout line %q", job.Stdout[0])
	}
}

func TestRemoveJob(t *testing.T) {
	q := NewQueue()

	id, err := q.AddJob("outlines", nil, "allen_mouse_25um", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	if err := q.RemoveJob(id); err != nil {
		t.Fatalf("RemoveJob failed: %v", err)
	}
	if q.GetJob(id) != nil {
		t.Error("job still present after removal")
	}
	if len(q.JobOrder) != 0 {
		t.Errorf("job order length = %d, want 0", len(q.JobOrder))
	}
	if err := q.RemoveJob(id); err == nil {
		t.Error("expected error removing a missing job")
	}
}

func TestClearNonRunningJobs(t *testing.T) {
	q := NewQueue()

	runningID, _ := q.AddJob("pyramid", nil, "EXP01", nil)
	doneID, _ := q.AddJob("split", nil, "EXP02", nil)
	q.AddJob("mask", nil, "EXP03", nil)

	// Drive one job to in-progress and one to completed.
	for {
		job, _ := q.ClaimJob()
		if job == nil {
			break
		}
		if job.ID == doneID {
			q.CompleteJob(doneID)
		}
	}

	cleared, err := q.ClearNonRunningJobs()
	if err != nil {
		t.Fatalf("ClearNonRunningJobs failed: %v", err)
	}
	if cleared != 2 {
		t.Errorf("cleared %d jobs, want 2", cleared)
	}
	if q.GetJob(runningID) == nil {
		t.Error("running job should survive ClearNonRunningJobs")
	}
}

func TestDone(t *testing.T) {
	q := NewQueue()
	if !q.Done() {
		t.Error("empty queue should report done")
	}

	id, _ := q.AddJob("split", nil, "EXP01", nil)
	if q.Done() {
		t.Error("queue with a pending job should not report done")
	}

	q.ClaimJob()
	if q.Done() {
		t.Error("queue with a running job should not report done")
	}

	q.CompleteJob(id)
	if !q.Done() {
		t.Error("queue should report done after last job completes")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	db := newTestDB(t)

	q := NewQueueWithDB(db)
	id, err := q.AddJob("mask", []string{"--downscale", "5"}, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if err := q.PushJobStdout(id, "slice 12: mask area 0.42"); err != nil {
		t.Fatalf("PushJobStdout failed: %v", err)
	}

	// A fresh queue on the same database should see the job.
	q2 := NewQueueWithDB(db)
	job := q2.GetJob(id)
	if job == nil {
		t.Fatal("job not restored from database")
	}
	if job.Command != "mask" {
		t.Errorf("restored command = %q, want %q", job.Command, "mask")
	}
	if len(job.Arguments) != 2 || job.Arguments[1] != "5" {
		t.Errorf("restored arguments = %v", job.Arguments)
	}
	if len(job.Stdout) != 1 {
		t.Errorf("restored stdout lines = %d, want 1", len(job.Stdout))
	}
	if job.Stage != "mask" {
		t.Errorf("restored stage = %q, want %q", job.Stage, "mask")
	}
}

func TestInProgressJobsResumeAsPending(t *testing.T) {
	db := newTestDB(t)

	q := NewQueueWithDB(db)
	id, err := q.AddJob("pyramid", nil, "EXP01", nil)
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if _, err := q.ClaimJob(); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	// Simulate a crash: open a second queue on the same database.
	q2 := NewQueueWithDB(db)
	job := q2.GetJob(id)
	if job == nil {
		t.Fatal("job not restored from database")
	}
	if job.State != StatePending {
		t.Errorf("restored state = %v, want Pending (resumable)", job.State)
	}
	if !job.ClaimedAt.IsZero() {
		t.Error("claimed time should be reset on resume")
	}
}
