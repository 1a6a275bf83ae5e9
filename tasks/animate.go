package tasks

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/atlas"
	"github.com/mlardeux/histopipe/deps"
	"github.com/mlardeux/histopipe/downloads"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/render"
)

// intFlag reads an int-valued flag, keeping def when absent.
func intFlag(args []string, def int, flags ...string) (int, error) {
	v, ok := flagValue(args, flags...)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid value %q for %s", v, flags[0])
	}
	return n, nil
}

// animateTask renders a turntable animation of atlas-registered
// detections and assembles it into an MP4 with ffmpeg. The job input
// is the detections TSV exported from QuPath.
//
// Arguments:
//
//	--out PATH        output video (default <tsv>.mp4)
//	--frames N        frame count (default 180)
//	--fps N           frames per second (default 30)
//	--width/--height  frame size (default 1024x768)
//	--atlas NAME      override the configured atlas
func animateTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	tsvPath := strings.TrimSpace(j.Input)
	if tsvPath == "" {
		q.PushJobStdout(j.ID, "animate: no detections file provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no detections file provided")
	}

	outPath := strings.TrimSuffix(tsvPath, filepath.Ext(tsvPath)) + ".mp4"
	if v, ok := flagValue(j.Arguments, "--out"); ok {
		outPath = v
	}
	atlasName := cfg.AtlasName
	if v, ok := flagValue(j.Arguments, "--atlas"); ok {
		atlasName = v
	}

	frames, err := intFlag(j.Arguments, 180, "--frames")
	if err != nil {
		q.PushJobStdout(j.ID, "animate: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	fps, err := intFlag(j.Arguments, 30, "--fps")
	if err != nil {
		q.PushJobStdout(j.ID, "animate: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	width, err := intFlag(j.Arguments, 1024, "--width")
	if err != nil {
		q.PushJobStdout(j.ID, "animate: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	height, err := intFlag(j.Arguments, 768, "--height")
	if err != nil {
		q.PushJobStdout(j.ID, "animate: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	if err := runAnimation(j, q, tsvPath, outPath, atlasName, frames, fps, width, height); err != nil {
		q.PushJobStdout(j.ID, "animate: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	q.CompleteJob(j.ID)
	return nil
}

func runAnimation(j *jobqueue.Job, q *jobqueue.Queue, tsvPath, outPath, atlasName string, frames, fps, width, height int) error {
	cells, err := render.ParseDetections(tsvPath)
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("animate: %d detections", len(cells)))

	progress := func(p downloads.Progress) {
		if p.Message != "" {
			q.PushJobStdout(j.ID, "animate: "+p.Message)
		}
	}
	deps.RegisterAtlas(atlasName)
	if err := deps.EnsureAvailable(j.Ctx, deps.AtlasIDFromName(atlasName), progress); err != nil {
		return err
	}
	if err := deps.EnsureAvailable(j.Ctx, "ffmpeg", progress); err != nil {
		return err
	}

	a, err := atlas.Load(deps.AtlasDir(atlasName))
	if err != nil {
		return err
	}
	surface := render.SurfaceFromAtlas(a, 2)
	q.PushJobStdout(j.ID, fmt.Sprintf("animate: %d surface points", len(surface)))

	frameDir, err := os.MkdirTemp("", "histopipe-frames-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(frameDir)

	scene := render.NewScene(surface, cells)
	pattern, err := scene.WriteFrames(frameDir, render.FrameOptions{
		Width:  width,
		Height: height,
		Frames: frames,
	})
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("animate: rendered %d frames", frames))

	cmd, err := deps.GetExec(j.Ctx, "ffmpeg", "ffmpeg",
		"-y",
		"-framerate", strconv.Itoa(fps),
		"-i", pattern,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		outPath,
	)
	if err != nil {
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	scan := bufio.NewScanner(stdout)
	for scan.Scan() {
		_ = q.PushJobStdout(j.ID, "ffmpeg: "+scan.Text())
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	q.PushJobStdout(j.ID, "animate: wrote "+outPath)
	return nil
}
