// Package counter implements a line-crossing counter as a Viam vision service
package counter

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/line-counter/counting"
	"github.com/viam-modules/line-counter/pipeline"
	"github.com/viam-modules/line-counter/store"
)

// ModelName is the name of the model
const (
	ModelName        = "line-counter"
	LineCrossedLabel = "line-crossed"
)

var (
	// Model is the colon-delimited-triplet of the service
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMaxFrequency    = 10.0
	DefaultTriggerCoolDown = 5.0
)

// frameSource is the part of a camera stream the counter consumes.
type frameSource interface {
	pipeline.Source
	Close(ctx context.Context) error
}

type crossedObjects struct {
	mutex   sync.RWMutex
	objects []crossedObject
}

type loopTimes struct {
	mutex     sync.Mutex
	durations []time.Duration
}

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newCounter,
	})
}

type myCounter struct {
	resource.Named
	resource.AlwaysRebuild
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc
	triggerContext    context.Context

	activeBackgroundWorkers sync.WaitGroup
	currImg                 atomic.Pointer[image.Image]
	allCrossed              crossedObjects

	newInstance atomic.Bool
	coolDown    float64
	properties  vision.Properties

	camName    string
	detector   pipeline.Detector
	frequency  float64
	pipe       *pipeline.Pipeline
	exportDir  string
	sqlitePath string
	timeStats  loopTimes
}

func newCounter(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	// This takes the generic resource.Config passed down from the parent and converts it to the
	// model-specific (aka "native") Config structure defined below.
	counterConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	cam, err := camera.FromDependencies(deps, counterConfig.CameraName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get camera %v for line counter", counterConfig.CameraName)
	}
	detector, err := vision.FromDependencies(deps, counterConfig.DetectorName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get vision service %v for line counter", counterConfig.DetectorName)
	}

	c, err := newLineCounter(conf.ResourceName().AsNamed(), counterConfig, pipeline.FromVisionService(detector), logger)
	if err != nil {
		return nil, err
	}
	stream, err := cam.Stream(c.cancelContext, nil)
	if err != nil {
		c.cancelFunc()
		return nil, errors.Wrapf(err, "unable to open stream for camera %v", counterConfig.CameraName)
	}
	c.start(stream)
	return c, nil
}

// newLineCounter builds the service around a detector without starting the frame loop.
func newLineCounter(named resource.Named, conf *Config, detector pipeline.Detector, logger logging.Logger) (*myCounter, error) {
	runConfig := conf.pipelineConfig()
	pipe, err := pipeline.New(runConfig, logger)
	if err != nil {
		return nil, err
	}
	c := &myCounter{
		Named:  named,
		logger: logger,
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
		camName:    conf.CameraName,
		detector:   detector,
		frequency:  conf.MaxFrequency,
		coolDown:   DefaultTriggerCoolDown,
		pipe:       pipe,
		exportDir:  conf.ExportDir,
		sqlitePath: conf.SQLitePath,
	}
	// Default value for frequency = 10Hz
	if c.frequency == 0 {
		c.frequency = DefaultMaxFrequency
	}
	if conf.TriggerCoolDown != nil {
		c.coolDown = *conf.TriggerCoolDown
	}
	c.cancelContext, c.cancelFunc = context.WithCancel(context.Background())
	c.logger.Infof("counting %v crossing y=%.2f of the frame height on camera %q",
		runConfig.Labels, runConfig.CountLinePosition, c.camName)
	return c, nil
}

func (c *myCounter) start(src frameSource) {
	c.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		c.run(src)
	}, func() {
		c.cancelFunc()
		if err := src.Close(context.Background()); err != nil {
			c.logger.Warnf("unable to close stream: %v", err)
		}
		c.activeBackgroundWorkers.Done()
	})
}

// run feeds the camera stream through the pipeline until the service is closed.
// A failing stream is retried after one frame period; frame numbering carries on.
func (c *myCounter) run(src pipeline.Source) {
	for {
		err := c.pipe.Run(c.cancelContext, src, c.detector, c.onFrame)
		if c.cancelContext.Err() != nil {
			return
		}
		if err == nil {
			c.logger.Infof("stream of camera %q ended after %d frames", c.camName, c.pipe.Stats().LastFrame)
			return
		}
		c.logger.Errorf("can't get image. got err: %s", err)
		if !c.sleep(c.period()) {
			return
		}
	}
}

func (c *myCounter) onFrame(fr pipeline.FrameResult) {
	if fr.Image != nil {
		img := fr.Image
		c.currImg.Store(&img)
	}
	if len(fr.Events) > 0 {
		now := time.Now()
		c.allCrossed.mutex.Lock()
		for _, e := range fr.Events {
			c.allCrossed.objects = append(c.allCrossed.objects, newCrossedObject(e, now))
		}
		c.allCrossed.mutex.Unlock()
		// trigger classification and schedule "untrigger"
		c.trigger()
	}

	c.timeStats.mutex.Lock()
	c.timeStats.durations = append(c.timeStats.durations, fr.Took)
	c.timeStats.mutex.Unlock()

	waitFor := c.period() - fr.Took
	if waitFor > time.Microsecond {
		c.sleep(waitFor)
	}
}

func (c *myCounter) period() time.Duration {
	return time.Duration((1 / c.frequency) * float64(time.Second))
}

// sleep waits for d and reports false if the service was closed meanwhile.
func (c *myCounter) sleep(d time.Duration) bool {
	select {
	case <-c.cancelContext.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *myCounter) trigger() {
	if c.triggerCancelFunc != nil {
		c.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(c.cancelContext)
	c.triggerContext = triggerContext
	c.triggerCancelFunc = triggerCancelFunc

	c.newInstance.Store(true)
	c.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			coolDownTimer := time.After(time.Duration(c.coolDown * float64(time.Second)))
			select {
			case <-coolDownTimer:
				c.newInstance.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			c.activeBackgroundWorkers.Done()
		})
}

// Config contains names for necessary resources (camera and vision service)
// and the counting parameters of the run. Unset parameters take their defaults.
type Config struct {
	CameraName          string   `json:"camera_name"`
	DetectorName        string   `json:"detector_name"`
	FrameSkip           *int     `json:"frame_skip,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxDisappeared      *int     `json:"max_disappeared,omitempty"`
	MaxDistance         *float64 `json:"max_distance,omitempty"`
	CountLinePosition   *float64 `json:"count_line_position,omitempty"`
	Labels              []string `json:"labels,omitempty"`
	CountUpward         bool     `json:"count_upward,omitempty"`
	Assignment          string   `json:"assignment,omitempty"`
	DetectTimeout       float64  `json:"detect_timeout_s,omitempty"`
	MaxFrequency        float64  `json:"max_frequency_hz"`
	TriggerCoolDown     *float64 `json:"trigger_cool_down_s,omitempty"`
	ExportDir           string   `json:"export_dir,omitempty"`
	SQLitePath          string   `json:"sqlite_path,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	// this makes them required for the model to successfully build
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for line counter %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for line counter %q`, path)
	}
	if cfg.MaxFrequency < 0 {
		// if 0, will be set to default later
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.TriggerCoolDown != nil && *cfg.TriggerCoolDown < 0 {
		return nil, errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0.")
	}
	if err := cfg.pipelineConfig().Validate(); err != nil {
		return nil, errors.Wrapf(err, "line counter %q", path)
	}

	// Return the resource names so that newCounter can access them as dependencies.
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

func (cfg *Config) pipelineConfig() pipeline.Config {
	out := pipeline.DefaultConfig()
	if cfg.FrameSkip != nil {
		out.FrameSkip = *cfg.FrameSkip
	}
	if cfg.ConfidenceThreshold != nil {
		out.ConfidenceThreshold = *cfg.ConfidenceThreshold
	}
	if cfg.MaxDisappeared != nil {
		out.MaxDisappeared = *cfg.MaxDisappeared
	}
	if cfg.MaxDistance != nil {
		out.MaxDistance = *cfg.MaxDistance
	}
	if cfg.CountLinePosition != nil {
		out.CountLinePosition = *cfg.CountLinePosition
	}
	if len(cfg.Labels) > 0 {
		out.Labels = cfg.Labels
	}
	if cfg.Assignment != "" {
		out.Assignment = cfg.Assignment
	}
	out.CountUpward = cfg.CountUpward
	out.DetectTimeout = time.Duration(cfg.DetectTimeout * float64(time.Second))
	return out
}

func (c *myCounter) checkCamera(cameraName string) error {
	if cameraName != c.camName {
		return errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, c.camName)
	}
	return nil
}

func (c *myCounter) currentDetections(ctx context.Context) ([]objdet.Detection, error) {
	select {
	case <-c.cancelContext.Done():
		return nil, c.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return toDetections(c.pipe.Objects()), nil
	}
}

func (c *myCounter) currentClassifications() classification.Classifications {
	if newInstance := c.newInstance.Load(); newInstance {
		return []classification.Classification{classification.NewClassification(1, LineCrossedLabel)}
	}
	return []classification.Classification{}
}

func (c *myCounter) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if err := c.checkCamera(cameraName); err != nil {
		return nil, err
	}
	return c.currentDetections(ctx)
}

func (c *myCounter) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	return c.currentDetections(ctx)
}

func (c *myCounter) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if err := c.checkCamera(cameraName); err != nil {
		return nil, err
	}
	return c.currentClassifications(), nil
}

func (c *myCounter) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return c.currentClassifications(), nil
}

func (c *myCounter) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &c.properties, nil
}

func (c *myCounter) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (c *myCounter) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	var detections []objdet.Detection
	var classifications []classification.Classification
	var img image.Image
	if err := c.checkCamera(cameraName); err != nil {
		return viscapture.VisCapture{}, err
	}
	if opt.ReturnImage {
		if stored := c.currImg.Load(); stored != nil {
			img = *stored
		}
	}
	if opt.ReturnDetections {
		dets, err := c.currentDetections(ctx)
		if err != nil {
			return viscapture.VisCapture{}, err
		}
		detections = dets
	}
	if opt.ReturnClassifications {
		classifications = c.currentClassifications()
	}
	return viscapture.VisCapture{Image: img, Detections: detections, Classifications: classifications}, nil
}

// Close stops the frame loop and writes the outputs of the run.
func (c *myCounter) Close(ctx context.Context) error {
	c.cancelFunc()
	c.activeBackgroundWorkers.Wait()
	_, err := c.finalize(ctx)
	return err
}

// finalize writes the current results to the configured destinations.
func (c *myCounter) finalize(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	rows := c.pipe.Summary()
	records := c.pipe.DetectionLog()

	var errs error
	if c.exportDir != "" {
		if err := counting.ExportFiles(c.exportDir, rows, records); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			out["export_dir"] = c.exportDir
		}
	}
	if c.sqlitePath != "" {
		runID, err := c.saveRun(ctx, rows, records)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			out["run_id"] = runID
		}
	}
	for _, row := range rows {
		c.logger.Infof("%s: %d", row.Label, row.Count)
	}
	return out, errs
}

func (c *myCounter) saveRun(ctx context.Context, rows []counting.CountRow, records []counting.DetectionRecord) (string, error) {
	db, err := store.Open(c.sqlitePath)
	if err != nil {
		return "", err
	}
	defer db.Close()
	return db.SaveRun(ctx, store.Run{
		Source:     c.camName,
		Frames:     c.pipe.Stats().LastFrame,
		Config:     c.pipe.Config(),
		Summary:    rows,
		Detections: records,
	})
}

type benchmark struct {
	Slowest      float64
	Fastest      float64
	Average      float64
	NumberOfRuns int
}

// DoCommand returns the results of the run so far.
// Keys: counts, totals, detections, logs, stats, benchmark, export.
func (c *myCounter) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["benchmark"] != nil {
		// average, fastest, and slowest time (and n)
		c.timeStats.mutex.Lock()
		durations := append([]time.Duration(nil), c.timeStats.durations...)
		c.timeStats.mutex.Unlock()
		out["benchmark"] = newBenchmark(durations)
	}
	if cmd["counts"] != nil {
		out["counts"] = c.pipe.Summary()
	}
	if cmd["totals"] != nil {
		out["totals"] = c.pipe.Totals()
	}
	if cmd["detections"] != nil {
		out["detections"] = c.pipe.DetectionLog()
	}
	if cmd["stats"] != nil {
		out["stats"] = c.pipe.Stats()
	}
	if cmd["logs"] != nil {
		c.allCrossed.mutex.RLock()
		out["logs"] = append([]crossedObject(nil), c.allCrossed.objects...)
		c.allCrossed.mutex.RUnlock()
	}
	if cmd["export"] != nil {
		res, err := c.finalize(ctx)
		if err != nil {
			return nil, err
		}
		out["export"] = res
	}
	return out, nil
}

func newBenchmark(durations []time.Duration) benchmark {
	if len(durations) == 0 {
		return benchmark{}
	}
	tmin, tmax := durations[0], durations[0]
	var sum time.Duration
	for _, tt := range durations {
		if tt < tmin {
			tmin = tt
		}
		if tt > tmax {
			tmax = tt
		}
		sum += tt
	}
	mean := time.Duration(int64(sum) / int64(len(durations)))
	return benchmark{
		Slowest:      float64(tmax),
		Fastest:      float64(tmin),
		Average:      float64(mean),
		NumberOfRuns: len(durations),
	}
}
