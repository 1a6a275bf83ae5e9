package tasks

import (
	"sync"

	"github.com/mlardeux/histopipe/jobqueue"
)

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string                                                        `json:"id"`
	Name string                                                        `json:"name"`
	Fn   func(j *jobqueue.Job, q *jobqueue.Queue, r *sync.Mutex) error `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	// Register built-in tasks
	RegisterTask("wait", "Wait", waitFn)
	RegisterTask("ingest", "Rename & Move Exports", ingestTask)
	RegisterTask("reorder", "Invert Slice Order", reorderTask)
	RegisterTask("split", "Split Channels", splitTask)
	RegisterTask("mask", "Detect & Apply Brain Masks", maskTask)
	RegisterTask("merge", "Merge Channels", mergeTask)
	RegisterTask("pyramid", "Pyramidalize Directory", pyramidTask)
	RegisterTask("qupath-script", "Run QuPath Script", qupathScriptTask)
	RegisterTask("segment", "Segment Probability Maps", segmentTask)
	RegisterTask("classify", "Pixel Classifier (ONNX)", classifyTask)
	RegisterTask("outlines", "Atlas Outlines", outlinesTask)
	RegisterTask("animate", "Detections Animation", animateTask)
	RegisterTask("publish", "Publish to S3", publishTask)
}

func RegisterTask(id, name string, fn func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}
