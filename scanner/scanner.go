// Package scanner discovers health peripherals and keeps a live,
// deduplicated list of them ranked by signal strength.
package scanner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/groutine"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/internal/ringchan"
	"github.com/srg/blehealth/internal/state"
)

type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the last observation of one peripheral.
type Result struct {
	Address     string            `json:"address"`
	Name        string            `json:"name,omitempty"`
	RSSI        int               `json:"rssi"`
	Services    []string          `json:"services"`
	Profiles    []profile.Profile `json:"profiles"`
	Connectable bool              `json:"connectable"`
	LastSeen    time.Time         `json:"last_seen"`
}

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Result Result
}

// Snapshot is the published, immutable view of a Session.
type Snapshot struct {
	State    State
	Scanning bool
	// Results are sorted by RSSI descending, then address ascending.
	Results []Result
	// DroppedEvents counts device events lost because Events readers fell behind.
	DroppedEvents int64
	Err           error
}

// Options configures scanning behavior
type Options struct {
	// Permitted is the operation-permitted precondition supplied by the host.
	Permitted bool
	AllowList []string
	BlockList []string
}

const eventBacklog = 100

// Session owns the discovery lifecycle. All state is written by its loop.
type Session struct {
	radio  device.Radio
	logger *logrus.Logger
	allow  map[string]struct{}
	block  map[string]struct{}

	events  chan event
	devices *ringchan.RingChannel[DeviceEvent]
	store   *state.Store[Snapshot]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	helpers sync.WaitGroup

	// owned by the loop
	permitted bool
	state     State
	gen       uint64
	run       *scanRun
	results   map[string]Result
	err       error
	now       func() time.Time
	// stopped are Stop waiters released after the next publish
	stopped []chan struct{}
}

// scanRun is one platform discovery, from Enabled check to Scan return.
type scanRun struct {
	gen      uint64
	cancel   context.CancelFunc
	stopping bool
	restart  bool
	waiters  []chan struct{}
}

type event interface{}

type (
	evStart        struct{}
	evStop         struct{ done chan struct{} }
	evReset        struct{}
	evSetPermitted struct{ permitted bool }
	evStarted      struct{ gen uint64 }
	evAdvertised   struct {
		gen uint64
		adv device.Advertisement
	}
	evEnded struct {
		gen uint64
		err error
	}
)

func NewSession(radio device.Radio, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		radio:     radio,
		logger:    logger,
		allow:     addressSet(opts.AllowList),
		block:     addressSet(opts.BlockList),
		events:    make(chan event, 256),
		devices:   ringchan.New[DeviceEvent](eventBacklog),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		permitted: opts.Permitted,
		results:   make(map[string]Result),
		now:       time.Now,
	}
	s.store = state.NewStore(s.snapshot())

	groutine.Go(ctx, "scan-loop", s.loop)
	return s
}

// Start begins discovery. It is a no-op while scanning.
func (s *Session) Start() { s.post(evStart{}) }

// Stop cancels discovery. The returned channel is closed once the platform
// scan has ended and Idle is published.
func (s *Session) Stop() <-chan struct{} {
	done := make(chan struct{})
	if !s.post(evStop{done: done}) {
		close(done)
	}
	return done
}

// Reset clears the retained results.
func (s *Session) Reset() { s.post(evReset{}) }

// SetPermitted updates the operation-permitted precondition.
func (s *Session) SetPermitted(permitted bool) { s.post(evSetPermitted{permitted: permitted}) }

func (s *Session) Snapshot() Snapshot { return s.store.Load() }

// Subscribe streams snapshots, starting with the current one.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	return s.store.Subscribe(state.DefaultSubscriberBuffer)
}

// Events streams new and updated devices. Slow readers lose the oldest.
func (s *Session) Events() <-chan DeviceEvent { return s.devices.C() }

// Close stops any running discovery and waits for it to end.
func (s *Session) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	defer s.devices.Close()
	defer s.store.Close()

	for {
		select {
		case <-ctx.Done():
			s.helpers.Wait()
			if s.run != nil {
				s.finish(s.run)
			}
			s.publish()
			s.releaseStopped()
			return
		case ev := <-s.events:
			if err := groutine.Guard("scan event", func() { s.handle(ev) }); err != nil {
				s.logger.WithError(err).Error("Scan event handler failed")
				s.err = err
			}
			s.publish()
			s.releaseStopped()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case evStart:
		s.start()
	case evStop:
		s.stop(ev.done)
	case evReset:
		clear(s.results)
	case evSetPermitted:
		s.permitted = ev.permitted
	case evStarted:
		if s.run != nil && s.run.gen == ev.gen && !s.run.stopping {
			s.state = Scanning
			s.logger.Info("Scanning for health devices")
		}
	case evAdvertised:
		if s.run == nil || s.run.gen != ev.gen || s.run.stopping || s.state != Scanning {
			return
		}
		s.upsert(ev.adv)
	case evEnded:
		if s.run == nil || s.run.gen != ev.gen {
			return
		}
		s.ended(ev.err)
	}
}

func (s *Session) start() {
	if s.run != nil {
		if s.run.stopping {
			s.run.restart = true
		} else {
			s.logger.WithError(device.ErrAlreadyActive).Debug("Start ignored")
		}
		return
	}
	if !s.permitted {
		s.err = fmt.Errorf("%w: scanning not permitted", device.ErrPermissionDenied)
		return
	}

	s.err = nil
	clear(s.results)
	s.gen++
	scanCtx, cancel := context.WithCancel(s.ctx)
	run := &scanRun{gen: s.gen, cancel: cancel}
	s.run = run

	s.helpers.Add(1)
	groutine.Go(scanCtx, "scan", func(ctx context.Context) {
		defer s.helpers.Done()
		defer cancel()

		if err := s.radio.Enabled(); err != nil {
			s.post(evEnded{gen: run.gen, err: err})
			return
		}
		if ctx.Err() != nil || !s.post(evStarted{gen: run.gen}) {
			s.post(evEnded{gen: run.gen})
			return
		}
		err := s.radio.Scan(ctx, func(adv device.Advertisement) {
			s.post(evAdvertised{gen: run.gen, adv: adv})
		})
		s.post(evEnded{gen: run.gen, err: err})
	})
}

func (s *Session) stop(done chan struct{}) {
	if s.run == nil {
		s.stopped = append(s.stopped, done)
		return
	}
	s.run.stopping = true
	s.run.restart = false
	s.run.waiters = append(s.run.waiters, done)
	s.run.cancel()
}

func (s *Session) ended(err error) {
	run := s.run
	if err != nil && !run.stopping && !isCancellation(err) {
		s.err = discoveryError(err)
		s.logger.WithError(s.err).Error("Scan failed")
	} else {
		s.logger.WithField("device_count", len(s.results)).Info("Scan stopped")
	}
	s.finish(run)
	if run.restart {
		s.start()
	}
}

func (s *Session) finish(run *scanRun) {
	run.cancel()
	s.run = nil
	s.state = Idle
	s.stopped = append(s.stopped, run.waiters...)
}

func (s *Session) releaseStopped() {
	for _, w := range s.stopped {
		close(w)
	}
	s.stopped = nil
}

func (s *Session) upsert(adv device.Advertisement) {
	addr := adv.Addr()
	if !s.admits(addr) {
		return
	}
	profiles := healthProfiles(adv.Services())
	if len(profiles) == 0 {
		return
	}

	r := Result{
		Address:     addr,
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Services:    slices.Clone(adv.Services()),
		Profiles:    profiles,
		Connectable: adv.Connectable(),
		LastSeen:    s.now(),
	}
	_, existing := s.results[addr]
	s.results[addr] = r

	ev := DeviceEvent{Type: EventUpdated, Result: r}
	if !existing {
		ev.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  r.Name,
			"address": r.Address,
			"rssi":    r.RSSI,
		}).Info("Discovered new device")
	}
	if s.devices.Send(ev) {
		s.logger.WithField("dropped", s.devices.GetMetrics().Overwritten).
			Debug("Device event backlog full, dropped oldest")
	}
}

// admits applies the allow and block lists.
func (s *Session) admits(addr string) bool {
	key := strings.ToLower(addr)
	if _, blocked := s.block[key]; blocked {
		return false
	}
	if len(s.allow) == 0 {
		return true
	}
	_, ok := s.allow[key]
	return ok
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		State:         s.state,
		Scanning:      s.state == Scanning,
		Results:       Sorted(s.results),
		DroppedEvents: s.devices.GetMetrics().Overwritten,
		Err:           s.err,
	}
}

func (s *Session) publish() {
	s.store.Publish(s.snapshot())
}

// Sorted returns results ordered by RSSI descending, ties by address.
func Sorted(results map[string]Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.RSSI, a.RSSI); c != 0 {
			return c
		}
		return cmp.Compare(a.Address, b.Address)
	})
	return out
}

func healthProfiles(services []string) []profile.Profile {
	var out []profile.Profile
	for _, svc := range services {
		id, err := profile.ParseUUID16(svc)
		if err != nil {
			continue
		}
		if p, ok := profile.ByService(id); ok && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func addressSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			set[strings.ToLower(a)] = struct{}{}
		}
	}
	return set
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// discoveryError keeps availability errors as they are and wraps anything
// else as a *device.DiscoveryError.
func discoveryError(err error) error {
	var de *device.DiscoveryError
	switch {
	case errors.As(err, &de),
		errors.Is(err, device.ErrPermissionDenied),
		errors.Is(err, device.ErrAdapterUnavailable):
		return err
	default:
		return &device.DiscoveryError{Err: err}
	}
}
