// Package pipeline drives the per-frame loop: it pulls frames, asks the
// detector for detections, feeds the tracker, evaluates line crossings and
// accumulates the results, one frame at a time and strictly in order.
package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/line-counter/counting"
	"github.com/viam-modules/line-counter/tracker"
)

// ErrFrameOrder is returned when a frame index does not follow the previous one.
var ErrFrameOrder = errors.New("frames must be processed in increasing order")

// Source yields the frames of a stream in order. It has the shape of a
// gostream.VideoStream; io.EOF ends the stream.
type Source interface {
	Next(ctx context.Context) (image.Image, func(), error)
}

// Detector returns the detections of a single frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]tracker.Detection, error)
}

// DetectorFunc adapts a function to a Detector.
type DetectorFunc func(ctx context.Context, img image.Image) ([]tracker.Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]tracker.Detection, error) {
	return f(ctx, img)
}

// FromVisionService uses a vision service as the detector.
func FromVisionService(svc vision.Service) Detector {
	return DetectorFunc(func(ctx context.Context, img image.Image) ([]tracker.Detection, error) {
		dets, err := svc.Detections(ctx, img, nil)
		if err != nil {
			return nil, err
		}
		return tracker.FromObjectDetections(dets), nil
	})
}

// FrameResult describes one processed frame.
type FrameResult struct {
	Index  int
	Image  image.Image
	Events []counting.CrossingEvent
	Took   time.Duration
}

// Pipeline owns the tracker and the aggregator of a run. ProcessFrame is
// atomic with respect to the read methods, so a reader never observes a
// half-applied frame.
type Pipeline struct {
	cfg       Config
	allowList []string
	logger    logging.Logger

	mu        sync.RWMutex
	tracker   *tracker.Tracker
	counter   *counting.CrossingCounter
	agg       *counting.Aggregator
	height    int
	frames    int
	lastFrame int
	failures  int
}

// New validates the configuration and returns an empty pipeline.
func New(cfg Config, logger logging.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := tracker.New(cfg.trackerConfig(), logger)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		allowList: cfg.allowList(),
		logger:    logger,
		tracker:   tr,
		agg:       counting.NewAggregator(),
	}, nil
}

// Config returns the run configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// ShouldProcess reports whether the frame with the given 1-based index is
// processed under the configured frame skip.
func (p *Pipeline) ShouldProcess(frameIndex int) bool {
	return frameIndex%p.cfg.FrameSkip == 0
}

// ProcessFrame applies one frame. A non-nil detectErr is logged and the frame
// is treated as having no detections. frameHeight positions the counting line.
func (p *Pipeline) ProcessFrame(frameIndex, frameHeight int, dets []tracker.Detection, detectErr error) ([]counting.CrossingEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if frameIndex <= p.lastFrame {
		return nil, errors.Wrapf(ErrFrameOrder, "got frame %d after frame %d", frameIndex, p.lastFrame)
	}
	if detectErr != nil {
		p.failures++
		p.logger.Warnf("detection failed on frame %d, treating it as empty: %v", frameIndex, detectErr)
		dets = nil
	}

	accepted := make([]tracker.Detection, 0, len(dets))
	for _, d := range tracker.FilterConfidence(dets, p.cfg.ConfidenceThreshold) {
		d.Label = tracker.NormalizeLabel(d.Label)
		accepted = append(accepted, d)
	}
	p.agg.RecordDetections(frameIndex, accepted)

	objects := p.tracker.Update(accepted)

	if frameHeight > 0 && (p.counter == nil || frameHeight != p.height) {
		if p.counter != nil {
			p.logger.Warnf("frame height changed from %d to %d, moving the counting line", p.height, frameHeight)
		}
		p.height = frameHeight
		p.counter = counting.NewCrossingCounter(float64(frameHeight)*p.cfg.CountLinePosition, p.cfg.CountUpward)
	}

	var events []counting.CrossingEvent
	if p.counter != nil {
		events = p.counter.Evaluate(frameIndex, objects, p.tracker)
	}
	for _, e := range events {
		p.agg.Record(e)
		p.logger.Debugf("object %d (%s) crossed the line %s on frame %d", e.ObjectID, e.Label, e.Direction, e.Frame)
	}

	p.frames++
	p.lastFrame = frameIndex
	return events, nil
}

// Run processes the source until it is exhausted or ctx is done. The context
// is only checked between frames. onFrame, when set, is called after every
// processed frame.
func (p *Pipeline) Run(ctx context.Context, src Source, det Detector, onFrame func(FrameResult)) error {
	p.mu.RLock()
	frameIndex := p.lastFrame
	p.mu.RUnlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, release, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.Wrap(err, "unable to read frame")
		}
		frameIndex++
		if !p.ShouldProcess(frameIndex) {
			if release != nil {
				release()
			}
			continue
		}

		start := time.Now()
		var (
			dets      []tracker.Detection
			detectErr error
			height    int
		)
		if img == nil {
			detectErr = errors.New("got nil image")
		} else {
			height = img.Bounds().Dy()
			dets, detectErr = p.detect(ctx, det, img)
		}
		events, err := p.ProcessFrame(frameIndex, height, dets, detectErr)
		if err != nil {
			if release != nil {
				release()
			}
			return err
		}
		if onFrame != nil {
			onFrame(FrameResult{Index: frameIndex, Image: img, Events: events, Took: time.Since(start)})
		}
		if release != nil {
			release()
		}
	}
}

func (p *Pipeline) detect(ctx context.Context, det Detector, img image.Image) ([]tracker.Detection, error) {
	if p.cfg.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DetectTimeout)
		defer cancel()
	}
	return det.Detect(ctx, img)
}

// Summary returns the counts table for the configured allow-list.
func (p *Pipeline) Summary() []counting.CountRow {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agg.Finalize(p.allowList)
}

// Totals returns the crossing count of every label, listed or not.
func (p *Pipeline) Totals() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agg.Counts()
}

// DetectionLog returns the audit log of every accepted detection.
func (p *Pipeline) DetectionLog() []counting.DetectionRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agg.DetectionLog()
}

// Objects returns the live tracked objects.
func (p *Pipeline) Objects() []tracker.TrackedObject {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracker.Objects()
}

// Stats summarises the progress of a run.
type Stats struct {
	Frames            int `json:"frames"`
	LastFrame         int `json:"last_frame"`
	Events            int `json:"events"`
	DetectionFailures int `json:"detection_failures"`
	DroppedDetections int `json:"dropped_detections"`
	LiveObjects       int `json:"live_objects"`
	NextID            int `json:"next_id"`
}

// Stats returns the current run statistics.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Frames:            p.frames,
		LastFrame:         p.lastFrame,
		Events:            p.agg.Events(),
		DetectionFailures: p.failures,
		DroppedDetections: p.tracker.Dropped(),
		LiveObjects:       p.tracker.Len(),
		NextID:            p.tracker.NextID(),
	}
}
