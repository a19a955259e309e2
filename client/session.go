// Package client connects to one health peripheral, subscribes to its
// measurement characteristics and keeps the last decoded reading per peer.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/groutine"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/internal/state"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reading is the last value decoded from a peer.
type Reading struct {
	Profile profile.Profile `json:"profile"`
	// Display is the formatted value, or "Parse Err: <hex>" when the frame
	// could not be decoded.
	Display     string            `json:"display"`
	Measurement codec.Measurement `json:"measurement,omitempty"`
	Raw         []byte            `json:"-"`
	Err         error             `json:"-"`
	UpdatedAt   time.Time         `json:"updated_at"`
	// Stale is set once the peer disconnects and cleared by its next value.
	Stale      bool      `json:"stale"`
	StaleSince time.Time `json:"stale_since,omitzero"`
}

// Snapshot is the published, immutable view of a Session.
type Snapshot struct {
	State State
	// Target is the address being connected to or connected.
	Target string
	// ConnectedPeer is set only while Connected.
	ConnectedPeer string
	// Subscribed lists the profiles notifying on the current link.
	Subscribed []profile.Profile
	Values     map[string]Reading
	AttemptID  string
	Err        error
}

// ScanStopper is the part of a scan session that Connect stops before dialing.
type ScanStopper interface {
	Stop() <-chan struct{}
}

type BreakerOptions struct {
	// MaxFailures consecutive dial failures open the breaker. 0 disables it.
	MaxFailures uint32
	// Timeout is how long an open breaker rejects dials.
	Timeout time.Duration
}

type Options struct {
	// Permitted is the operation-permitted precondition supplied by the host.
	Permitted      bool
	ConnectTimeout time.Duration
	Breaker        BreakerOptions
}

const DefaultConnectTimeout = 10 * time.Second

// Session owns at most one outbound connection.
type Session struct {
	radio   device.Radio
	scan    ScanStopper
	logger  *logrus.Logger
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[device.Client]

	events  chan event
	store   *state.Store[Snapshot]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	helpers sync.WaitGroup

	// owned by the loop
	permitted  bool
	state      State
	gen        uint64
	target     string
	attemptID  string
	attempt    context.CancelFunc
	client     device.Client
	subscribed []profile.Profile
	values     map[string]Reading
	err        error
	entropy    *ulid.MonotonicEntropy
	now        func() time.Time
}

type event interface{}

type (
	evConnect      struct{ addr string }
	evDisconnect   struct{}
	evForget       struct{ addr string }
	evSetPermitted struct{ permitted bool }
	evDialed       struct {
		gen    uint64
		client device.Client
		err    error
	}
	evReady struct {
		gen        uint64
		subscribed []profile.Profile
		err        error
	}
	evValue struct {
		gen  uint64
		p    profile.Profile
		data []byte
	}
	evDropped struct{ gen uint64 }
)

// NewSession creates a disconnected session. scan may be nil.
func NewSession(radio device.Radio, scan ScanStopper, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		radio:     radio,
		scan:      scan,
		logger:    logger,
		timeout:   opts.ConnectTimeout,
		breaker:   newBreaker(opts.Breaker, logger),
		events:    make(chan event, 256),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		permitted: opts.Permitted,
		values:    make(map[string]Reading),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		now:       time.Now,
	}
	s.store = state.NewStore(s.snapshot())

	groutine.Go(ctx, "client-loop", s.loop)
	return s
}

func newBreaker(opts BreakerOptions, logger *logrus.Logger) *gobreaker.CircuitBreaker[device.Client] {
	return gobreaker.NewCircuitBreaker[device.Client](gobreaker.Settings{
		Name:        "dial",
		MaxRequests: 1,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return opts.MaxFailures > 0 && counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// superseded attempts say nothing about the peer
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Connect tears down any current link, stops the attached scan and dials addr.
func (s *Session) Connect(addr string) { s.post(evConnect{addr: addr}) }

// Disconnect drops the current link. Readings are kept and marked stale.
func (s *Session) Disconnect() { s.post(evDisconnect{}) }

// Forget removes the reading kept for addr.
func (s *Session) Forget(addr string) { s.post(evForget{addr: addr}) }

// SetPermitted updates the operation-permitted precondition.
func (s *Session) SetPermitted(permitted bool) { s.post(evSetPermitted{permitted: permitted}) }

func (s *Session) Snapshot() Snapshot { return s.store.Load() }

// Subscribe streams snapshots, starting with the current one.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	return s.store.Subscribe(state.DefaultSubscriberBuffer)
}

// Close disconnects and waits for the loop and its helpers to exit.
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
	defer s.store.Close()

	for {
		select {
		case <-ctx.Done():
			s.teardown(true)
			s.helpers.Wait()
			s.publish()
			return
		case ev := <-s.events:
			if err := groutine.Guard("client event", func() { s.handle(ev) }); err != nil {
				s.logger.WithError(err).Error("Client event handler failed")
				s.err = err
			}
			s.publish()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case evConnect:
		s.connect(ev.addr)
	case evDisconnect:
		if s.state != Disconnected {
			s.logger.WithField("address", s.target).Info("Disconnecting")
			s.teardown(false)
		}
	case evForget:
		delete(s.values, ev.addr)
	case evSetPermitted:
		s.permitted = ev.permitted
	case evDialed:
		s.dialed(ev)
	case evReady:
		if ev.gen != s.gen || s.state != Connected {
			return
		}
		s.subscribed = ev.subscribed
		if ev.err != nil {
			s.logger.WithError(ev.err).WithField("address", s.target).Warn("Subscription incomplete")
			s.err = ev.err
		}
	case evValue:
		if ev.gen != s.gen || s.state != Connected {
			return
		}
		s.record(ev)
	case evDropped:
		if ev.gen != s.gen || s.state != Connected {
			return
		}
		s.logger.WithField("address", s.target).Warn("Peer disconnected")
		s.teardown(false)
	}
}

func (s *Session) connect(addr string) {
	if addr == "" {
		return
	}
	if !s.permitted {
		s.err = fmt.Errorf("%w: connecting not permitted", device.ErrPermissionDenied)
		return
	}
	if s.state != Disconnected {
		s.teardown(false)
	}

	s.gen++
	gen := s.gen
	s.state = Connecting
	s.target = addr
	s.err = nil
	s.attemptID = ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
	attemptCtx, cancel := context.WithCancel(s.ctx)
	s.attempt = cancel

	logger := s.logger.WithFields(logrus.Fields{
		"address": addr,
		"attempt": s.attemptID,
	})
	logger.Info("Connecting")

	s.helpers.Add(1)
	groutine.Go(attemptCtx, "client-dial", func(ctx context.Context) {
		defer s.helpers.Done()

		if s.scan != nil {
			select {
			case <-s.scan.Stop():
			case <-ctx.Done():
				s.post(evDialed{gen: gen, err: ctx.Err()})
				return
			}
		}

		var c device.Client
		err := s.radio.Enabled()
		if err == nil {
			c, err = s.breaker.Execute(func() (device.Client, error) {
				dctx, dcancel := context.WithTimeout(ctx, s.timeout)
				defer dcancel()
				return s.radio.Dial(dctx, addr)
			})
		}
		if err != nil {
			logger.WithError(err).Debug("Dial failed")
		}
		if !s.post(evDialed{gen: gen, client: c, err: err}) && c != nil {
			_ = c.Disconnect()
		}
	})
}

func (s *Session) dialed(ev evDialed) {
	if ev.gen != s.gen || s.state != Connecting {
		if ev.client != nil {
			s.release(ev.client)
		}
		return
	}
	if ev.err != nil {
		s.state = Disconnected
		s.target = ""
		s.err = connectionError(ev.err)
		s.logger.WithError(s.err).WithField("attempt", s.attemptID).Error("Connection failed")
		return
	}

	s.state = Connected
	s.client = ev.client
	s.subscribed = nil
	s.logger.WithFields(logrus.Fields{
		"address": s.target,
		"attempt": s.attemptID,
	}).Info("Connected")

	gen, c, ctx := s.gen, ev.client, s.ctx
	s.helpers.Add(1)
	groutine.Go(ctx, "client-setup", func(ctx context.Context) {
		defer s.helpers.Done()
		subscribed, err := s.setup(ctx, gen, c)
		s.post(evReady{gen: gen, subscribed: subscribed, err: err})
	})
	s.helpers.Add(1)
	groutine.Go(ctx, "client-watch", func(ctx context.Context) {
		defer s.helpers.Done()
		select {
		case <-c.Disconnected():
			s.post(evDropped{gen: gen})
		case <-ctx.Done():
		}
	})
}

// setup discovers the peer and subscribes to every health characteristic.
func (s *Session) setup(ctx context.Context, gen uint64, c device.Client) ([]profile.Profile, error) {
	chars, err := c.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("service discovery failed: %w", err)
	}

	var subscribed []profile.Profile
	var errs []error
	for _, ch := range chars {
		id, err := profile.ParseUUID16(ch.UUID())
		if err != nil {
			continue
		}
		p, ok := profile.ByCharacteristic(id)
		if !ok || !ch.Notifiable() || slices.Contains(subscribed, p) {
			continue
		}
		err = c.Subscribe(ch, func(data []byte) {
			s.post(evValue{gen: gen, p: p, data: slices.Clone(data)})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", p, err))
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"address": c.Address(),
			"profile": p,
		}).Info("Subscribed")
		subscribed = append(subscribed, p)
	}

	if len(subscribed) == 0 && len(errs) == 0 {
		uuids := make([]string, 0, len(profile.All()))
		for _, p := range profile.All() {
			uuids = append(uuids, p.CharacteristicUUID())
		}
		errs = append(errs, &device.NotFoundError{Resource: "characteristic", UUIDs: uuids})
	}
	return subscribed, errors.Join(errs...)
}

// record decodes one notification into the peer's reading.
func (s *Session) record(ev evValue) {
	display, m, err := codec.Display(ev.p, ev.data)
	if err != nil {
		s.logger.WithError(err).WithField("address", s.target).Debug("Undecodable notification")
	}
	s.values[s.target] = Reading{
		Profile:     ev.p,
		Display:     display,
		Measurement: m,
		Raw:         ev.data,
		Err:         err,
		UpdatedAt:   s.now(),
	}
}

// teardown returns to Disconnected and marks the peer's reading stale. With
// wait set the link is closed on the loop goroutine.
func (s *Session) teardown(wait bool) {
	s.gen++
	if s.attempt != nil {
		s.attempt()
		s.attempt = nil
	}
	if r, ok := s.values[s.target]; ok && !r.Stale {
		r.Stale = true
		r.StaleSince = s.now()
		s.values[s.target] = r
	}
	if c := s.client; c != nil {
		s.client = nil
		if wait {
			if err := c.Disconnect(); err != nil {
				s.logger.WithError(err).Warn("Disconnect failed")
			}
		} else {
			s.release(c)
		}
	}
	s.state = Disconnected
	s.target = ""
	s.subscribed = nil
}

func (s *Session) release(c device.Client) {
	logger := s.logger
	groutine.Go(context.Background(), "client-disconnect", func(context.Context) {
		if err := c.Disconnect(); err != nil {
			logger.WithError(err).WithField("address", c.Address()).Warn("Disconnect failed")
		}
	})
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:      s.state,
		Target:     s.target,
		Subscribed: slices.Clone(s.subscribed),
		Values:     maps.Clone(s.values),
		AttemptID:  s.attemptID,
		Err:        s.err,
	}
	if s.state == Connected {
		snap.ConnectedPeer = s.target
	}
	return snap
}

func (s *Session) publish() {
	s.store.Publish(s.snapshot())
}

// connectionError maps dial failures onto the error taxonomy.
func connectionError(err error) error {
	switch {
	case errors.Is(err, device.ErrPermissionDenied),
		errors.Is(err, device.ErrAdapterUnavailable),
		errors.Is(err, device.ErrConnectionFailed):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open: %v", device.ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%w: %w", device.ErrConnectionFailed, err)
	}
}
