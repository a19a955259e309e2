package peripheral

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/profile"
)

// DefaultSchedule pushes one measurement per second.
const DefaultSchedule = "@every 1s"

// Source produces the measurement pushed on a feeder tick.
type Source interface {
	Next(p profile.Profile, tick uint64) (codec.Measurement, error)
}

// Pusher is the part of Session the Feeder drives.
type Pusher interface {
	Push(m codec.Measurement)
	Snapshot() Snapshot
}

// Feeder pushes measurements from a Source on a cron schedule while the
// session is advertising.
type Feeder struct {
	cron    *cron.Cron
	session Pusher
	source  Source
	logger  *logrus.Logger
	tick    atomic.Uint64

	mu      sync.Mutex
	started bool
}

// NewFeeder parses schedule (standard 5-field cron or a descriptor such as
// "@every 2s") and binds source to session.
func NewFeeder(session Pusher, source Source, schedule string, logger *logrus.Logger) (*Feeder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}

	cl := cronLogger{logger: logger}
	f := &Feeder{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		session: session,
		source:  source,
		logger:  logger,
	}
	if _, err := f.cron.AddFunc(schedule, func() { f.Tick() }); err != nil {
		return nil, fmt.Errorf("invalid push schedule %q: %w", schedule, err)
	}
	return f, nil
}

func (f *Feeder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.cron.Start()
}

// Stop halts the schedule and waits for a running tick to finish.
func (f *Feeder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return
	}
	f.started = false
	<-f.cron.Stop().Done()
}

// Tick performs one push. It reports false when nothing was pushed.
func (f *Feeder) Tick() bool {
	snap := f.session.Snapshot()
	if !snap.Advertising {
		return false
	}
	n := f.tick.Add(1)
	m, err := f.source.Next(snap.Profile, n)
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"profile": snap.Profile,
			"tick":    n,
		}).Warn("Measurement source failed")
		return false
	}
	f.logger.WithFields(logrus.Fields{
		"tick":  n,
		"value": codec.Format(m),
	}).Debug("Pushing measurement")
	f.session.Push(m)
	return true
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

// Range is a plausible clinical range for one measurement value.
type Range struct {
	Min, Max float64
}

type staticDefault struct {
	values []float64
	ranges []Range
}

var staticDefaults = map[profile.Profile]staticDefault{
	profile.Thermometer:   {[]float64{36.5}, []Range{{30, 45}}},
	profile.HeartRate:     {[]float64{70}, []Range{{40, 200}}},
	profile.BloodPressure: {[]float64{120, 80, 90}, []Range{{80, 180}, {50, 120}, {60, 140}}},
	profile.Glucose:       {[]float64{100}, []Range{{50, 300}}},
	profile.PulseOximeter: {[]float64{98, 70}, []Range{{80, 100}, {40, 150}}},
}

// DefaultValues returns the values StaticSource uses for p when none are set.
func DefaultValues(p profile.Profile) []float64 {
	return append([]float64(nil), staticDefaults[p].values...)
}

// StaticSource repeats configured values, optionally wandering by up to
// ±Jitter around them. Jittered values stay inside the profile's range.
type StaticSource struct {
	Values map[profile.Profile][]float64
	Jitter float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewStaticSource(values map[profile.Profile][]float64, jitter float64) *StaticSource {
	return &StaticSource{
		Values: values,
		Jitter: math.Abs(jitter),
		rnd:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (s *StaticSource) Next(p profile.Profile, _ uint64) (codec.Measurement, error) {
	values, ok := s.Values[p]
	if !ok || len(values) == 0 {
		values = staticDefaults[p].values
	}
	out := append([]float64(nil), values...)

	if s.Jitter > 0 {
		ranges := staticDefaults[p].ranges
		s.mu.Lock()
		next := rand.Float64
		if s.rnd != nil {
			next = s.rnd.Float64
		}
		for i := range out {
			out[i] += (next()*2 - 1) * s.Jitter
			if i < len(ranges) {
				out[i] = math.Max(ranges[i].Min, math.Min(ranges[i].Max, out[i]))
			}
		}
		s.mu.Unlock()
	}
	return codec.FromValues(p, out...)
}
