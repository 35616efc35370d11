// Command recount replays a per-frame detection log through the tracker and
// line counter, so a run can be recounted with different parameters without
// running the detector again.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/line-counter/counting"
	"github.com/viam-modules/line-counter/pipeline"
	"github.com/viam-modules/line-counter/store"
	"github.com/viam-modules/line-counter/tracker"
)

func main() {
	logger := logging.NewLogger("recount")
	if err := run(context.Background(), os.Args[1:], os.Stdout, logger); err != nil {
		logger.Fatal(err)
	}
}

type options struct {
	logPath     string
	frameHeight int
	outDir      string
	sqlitePath  string
	cfg         pipeline.Config
}

func parseFlags(args []string) (options, error) {
	opts := options{cfg: pipeline.DefaultConfig()}
	var labels string

	fs := flag.NewFlagSet("recount", flag.ContinueOnError)
	fs.StringVar(&opts.logPath, "log", "", "path to a per_frame_detections.csv file")
	fs.IntVar(&opts.frameHeight, "frame-height", 0, "height in pixels of the recorded frames")
	fs.IntVar(&opts.cfg.FrameSkip, "frame-skip", opts.cfg.FrameSkip, "process one frame in N")
	fs.Float64Var(&opts.cfg.ConfidenceThreshold, "confidence", opts.cfg.ConfidenceThreshold, "minimum detection confidence")
	fs.Float64Var(&opts.cfg.MaxDistance, "max-distance", opts.cfg.MaxDistance, "maximum centroid distance in pixels for a match")
	fs.IntVar(&opts.cfg.MaxDisappeared, "max-disappeared", opts.cfg.MaxDisappeared, "processed frames an object may go unmatched")
	fs.Float64Var(&opts.cfg.CountLinePosition, "line", opts.cfg.CountLinePosition, "counting line as a fraction of the frame height")
	fs.StringVar(&labels, "labels", strings.Join(opts.cfg.Labels, ","), "comma separated classes to report")
	fs.BoolVar(&opts.cfg.CountUpward, "upward", false, "also count upward crossings")
	fs.StringVar(&opts.cfg.Assignment, "assignment", opts.cfg.Assignment, "greedy or optimal")
	fs.StringVar(&opts.outDir, "out", "", "directory for counts.csv and per_frame_detections.csv")
	fs.StringVar(&opts.sqlitePath, "sqlite", "", "sqlite database to save the run into")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.logPath == "" {
		return options{}, errors.New("-log is required")
	}
	if opts.frameHeight <= 0 {
		return options{}, errors.Errorf("-frame-height must be > 0, got %d", opts.frameHeight)
	}
	opts.cfg.Labels = nil
	for _, l := range strings.Split(labels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			opts.cfg.Labels = append(opts.cfg.Labels, l)
		}
	}
	if len(opts.cfg.Labels) == 0 {
		return options{}, errors.New("-labels must name at least one class")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer, logger logging.Logger) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	f, err := os.Open(opts.logPath)
	if err != nil {
		return errors.Wrapf(err, "unable to open %v", opts.logPath)
	}
	records, err := counting.ReadDetectionLogCSV(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "unable to read %v", opts.logPath)
	}

	p, err := pipeline.New(opts.cfg, logger)
	if err != nil {
		return err
	}
	if err := replay(p, records, opts.frameHeight, logger); err != nil {
		return err
	}

	rows := p.Summary()
	if err := counting.WriteSummaryCSV(stdout, rows); err != nil {
		return err
	}
	stats := p.Stats()
	logger.Infof("replayed %d frames, %d processed, %d crossings", stats.LastFrame, stats.Frames, stats.Events)

	if opts.outDir != "" {
		if err := counting.ExportFiles(opts.outDir, rows, p.DetectionLog()); err != nil {
			return err
		}
	}
	if opts.sqlitePath != "" {
		db, err := store.Open(opts.sqlitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		runID, err := db.SaveRun(ctx, store.Run{
			Source:     opts.logPath,
			Frames:     stats.LastFrame,
			Config:     opts.cfg,
			Summary:    rows,
			Detections: p.DetectionLog(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "run %s saved to %s\n", runID, opts.sqlitePath)
	}
	return nil
}

// replay walks frames 1 through the last recorded frame. Frames missing from
// the log had no detections.
func replay(p *pipeline.Pipeline, records []counting.DetectionRecord, frameHeight int, logger logging.Logger) error {
	byFrame := make(map[int][]counting.DetectionRecord)
	lastFrame := 0
	for _, rec := range records {
		if rec.Frame < 1 {
			return errors.Errorf("frame numbers start at 1, got %d", rec.Frame)
		}
		byFrame[rec.Frame] = append(byFrame[rec.Frame], rec)
		if rec.Frame > lastFrame {
			lastFrame = rec.Frame
		}
	}
	skipped := 0
	for frame := 1; frame <= lastFrame; frame++ {
		if !p.ShouldProcess(frame) {
			skipped += len(byFrame[frame])
			continue
		}
		recs := byFrame[frame]
		dets := make([]tracker.Detection, 0, len(recs))
		for _, rec := range recs {
			dets = append(dets, rec.Detection)
		}
		if _, err := p.ProcessFrame(frame, frameHeight, dets, nil); err != nil {
			return err
		}
	}
	if skipped > 0 {
		logger.Warnf("%d logged detections fall on frames skipped by the current frame skip", skipped)
	}
	return nil
}
