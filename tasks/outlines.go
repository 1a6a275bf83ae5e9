package tasks

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/atlas"
	"github.com/mlardeux/histopipe/deps"
	"github.com/mlardeux/histopipe/downloads"
	"github.com/mlardeux/histopipe/jobqueue"
)

// outlineAxes are the three projection views of the outlines file.
var outlineAxes = []atlas.Axis{atlas.AxisZ, atlas.AxisY, atlas.AxisX}

// outlinesTask projects atlas structures along the three anatomical
// axes and stores the traced boundaries as a gzipped JSON outline set.
// The job input is the output file path.
//
// Arguments:
//
//	--structures root,CTX,TH   acronyms to outline (default root)
//	--atlas NAME               override the configured atlas
func outlinesTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	outPath := strings.TrimSpace(j.Input)
	if outPath == "" {
		q.PushJobStdout(j.ID, "outlines: no output path provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no output path provided")
	}

	atlasName := cfg.AtlasName
	if v, ok := flagValue(j.Arguments, "--atlas"); ok {
		atlasName = v
	}

	structures := []string{"root"}
	if v, ok := flagValue(j.Arguments, "--structures"); ok {
		structures = structures[:0]
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				structures = append(structures, s)
			}
		}
	}
	if len(structures) == 0 {
		q.PushJobStdout(j.ID, "outlines: empty structure list")
		q.ErrorJob(j.ID)
		return fmt.Errorf("empty structure list")
	}

	if !hasFlag(j.Arguments, "-overwrite", "--overwrite") {
		if _, err := os.Stat(outPath); err == nil {
			q.PushJobStdout(j.ID, "outlines: exists, skipping "+outPath)
			q.CompleteJob(j.ID)
			return nil
		}
	}

	deps.RegisterAtlas(atlasName)
	err := deps.EnsureAvailable(j.Ctx, deps.AtlasIDFromName(atlasName), func(p downloads.Progress) {
		if p.Message != "" {
			q.PushJobStdout(j.ID, "outlines: "+p.Message)
		}
	})
	if err != nil {
		q.PushJobStdout(j.ID, "outlines: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	a, err := atlas.Load(deps.AtlasDir(atlasName))
	if err != nil {
		q.PushJobStdout(j.ID, "outlines: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	set := &atlas.OutlineSet{
		Atlas:             atlasName,
		ResolutionMicrons: a.Meta.Resolution,
		CreatedAt:         time.Now().UTC(),
	}
	for _, acronym := range structures {
		for _, ax := range outlineAxes {
			select {
			case <-j.Ctx.Done():
				q.PushJobStdout(j.ID, "outlines: task canceled")
				return j.Ctx.Err()
			default:
			}

			outline, err := a.StructureOutline(acronym, ax)
			if err != nil {
				q.PushJobStdout(j.ID, "outlines: "+err.Error())
				q.ErrorJob(j.ID)
				return err
			}
			set.Outlines = append(set.Outlines, outline)
			q.PushJobStdout(j.ID, fmt.Sprintf("outlines: %s %s (%d paths)", acronym, ax, len(outline.Paths)))
		}
	}

	if err := atlas.WriteOutlines(outPath, set); err != nil {
		q.PushJobStdout(j.ID, "outlines: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("outlines: wrote %d outlines to %s", len(set.Outlines), outPath))
	q.CompleteJob(j.ID)
	return nil
}
