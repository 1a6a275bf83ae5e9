package tasks

import (
	"sync"
	"testing"

	"github.com/mlardeux/histopipe/jobqueue"
)

// TestGetTasks verifies that built-in tasks are registered
func TestGetTasks(t *testing.T) {
	taskMap := GetTasks()

	if taskMap == nil {
		t.Fatal("GetTasks() returned nil")
	}

	expectedTasks := []struct {
		id   string
		name string
	}{
		{"wait", "Wait"},
		{"ingest", "Rename & Move Exports"},
		{"reorder", "Invert Slice Order"},
		{"split", "Split Channels"},
		{"mask", "Detect & Apply Brain Masks"},
		{"merge", "Merge Channels"},
		{"pyramid", "Pyramidalize Directory"},
		{"qupath-script", "Run QuPath Script"},
		{"segment", "Segment Probability Maps"},
		{"classify", "Pixel Classifier (ONNX)"},
		{"outlines", "Atlas Outlines"},
		{"animate", "Detections Animation"},
		{"publish", "Publish to S3"},
	}

	for _, expected := range expectedTasks {
		task, exists := taskMap[expected.id]
		if !exists {
			t.Errorf("Task %q not registered", expected.id)
			continue
		}
		if task.ID != expected.id {
			t.Errorf("Task %q has ID %q; want %q", expected.id, task.ID, expected.id)
		}
		if task.Name != expected.name {
			t.Errorf("Task %q has Name %q; want %q", expected.id, task.Name, expected.name)
		}
		if task.Fn == nil {
			t.Errorf("Task %q has nil Fn", expected.id)
		}
	}
}

// TestRegisterTask tests registering a new task
func TestRegisterTask(t *testing.T) {
	originalTasks := make(TaskMap)
	for k, v := range tasks {
		originalTasks[k] = v
	}
	defer func() {
		tasks = originalTasks
	}()

	customFn := func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		return nil
	}

	RegisterTask("custom-task", "Custom Task Name", customFn)

	taskMap := GetTasks()
	task, exists := taskMap["custom-task"]
	if !exists {
		t.Fatal("Custom task was not registered")
	}
	if task.ID != "custom-task" {
		t.Errorf("Task ID = %q; want %q", task.ID, "custom-task")
	}
	if task.Name != "Custom Task Name" {
		t.Errorf("Task Name = %q; want %q", task.Name, "Custom Task Name")
	}
	if task.Fn == nil {
		t.Error("Task Fn is nil")
	}
}

// TestRegisterTaskOverwrite tests that registering with same ID overwrites
func TestRegisterTaskOverwrite(t *testing.T) {
	originalTasks := make(TaskMap)
	for k, v := range tasks {
		originalTasks[k] = v
	}
	defer func() {
		tasks = originalTasks
	}()

	RegisterTask("overwrite-test", "First Version", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		return nil
	})
	RegisterTask("overwrite-test", "Second Version", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		return nil
	})

	taskMap := GetTasks()
	task := taskMap["overwrite-test"]
	if task.Name != "Second Version" {
		t.Errorf("Task should be overwritten; got Name = %q", task.Name)
	}
}
