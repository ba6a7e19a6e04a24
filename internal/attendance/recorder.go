package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/rollcall/internal/dedup"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Sink receives a copy of every event after it is safely in the log.
type Sink interface {
	Record(ctx context.Context, e types.Event) error
}

// Outcome is what happened to one detection.
type Outcome struct {
	Detection types.Detection
	Identity  types.Identity
	Matched   bool
	Recorded  bool
	Event     types.Event
}

// RecorderConfig tunes a Recorder. Zero values pick the defaults.
type RecorderConfig struct {
	Tolerance float64
	Sink      Sink
	Logger    *logger.Logger
}

// Recorder turns the detections of one frame into attendance events.
type Recorder struct {
	gallery   *gallery.Store
	log       *Log
	clock     *dedup.Clock
	tolerance float64
	sink      Sink
	logger    *logger.Logger
}

func NewRecorder(store *gallery.Store, log *Log, clock *dedup.Clock, cfg RecorderConfig) *Recorder {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = matcher.DefaultTolerance
	}
	if clock == nil {
		clock = dedup.New(dedup.DefaultCooldown)
	}
	return &Recorder{
		gallery:   store,
		log:       log,
		clock:     clock,
		tolerance: cfg.Tolerance,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
	}
}

// Observe matches every detection of a frame against the current gallery and
// appends the ones the cooldown accepts. Unknown faces are never recorded. A
// failed append stops processing and returns an error wrapping ErrWrite; a
// failing sink is only logged.
func (r *Recorder) Observe(ctx context.Context, detections []types.Detection, now time.Time) ([]Outcome, error) {
	g := r.gallery.Current()
	outcomes := make([]Outcome, 0, len(detections))

	for _, d := range detections {
		id, ok := matcher.Match(g, d.Descriptor, r.tolerance)
		o := Outcome{Detection: d, Identity: id, Matched: ok}
		if !ok || !r.clock.ShouldRecord(id, now) {
			outcomes = append(outcomes, o)
			continue
		}

		ev := types.NewEvent(id, now)
		if err := r.log.Append(ev); err != nil {
			return outcomes, err
		}
		o.Recorded, o.Event = true, ev
		outcomes = append(outcomes, o)

		if r.sink != nil {
			if err := r.sink.Record(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warning("Mirror failed for %s: %v", id, err)
			}
		}
	}
	return outcomes, nil
}
