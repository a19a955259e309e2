// Package peripheral emulates a health device: it advertises one profile,
// serves its measurement characteristic and notifies connected centrals.
//
// A Session is driven by a single event loop goroutine. Public methods and
// platform callbacks only post events, so none of them block on the radio.
// Observers read immutable Snapshots via Snapshot or Subscribe.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/groutine"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/internal/state"
)

type State int

const (
	Idle State = iota
	Advertising
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the published, immutable view of a Session.
type Snapshot struct {
	Profile     profile.Profile
	State       State
	Advertising bool
	// Peers are the connected centrals, sorted.
	Peers []string
	// LastFrame is the frame served to reads, nil before the first push.
	LastFrame []byte
	Pushed    uint64
	Throttled uint64
	Err       error
}

// DefaultDeviceName is advertised when Options.DeviceName is empty.
const DefaultDeviceName = "BLE Health"

// readTimeout bounds how long a platform read callback waits for the loop.
const readTimeout = 2 * time.Second

type Options struct {
	DeviceName string
	Profile    profile.Profile
	// Permitted is the operation-permitted precondition supplied by the host.
	Permitted bool
	// NotifyRate limits notifications per second, 0 means unlimited.
	NotifyRate float64
}

// Session owns the advertisement and the GATT server of one emulated device.
type Session struct {
	radio  device.Radio
	logger *logrus.Logger
	name   string

	events chan event
	store  *state.Store[Snapshot]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// owned by the loop
	profile   profile.Profile
	permitted bool
	state     State
	starting  bool
	gen       uint64
	server    device.Server
	peers     map[string]struct{}
	lastFrame []byte
	pushed    uint64
	throttled uint64
	err       error
	limiter   *rate.Limiter
}

type event interface{}

type (
	evSetProfile   struct{ p profile.Profile }
	evSetPermitted struct{ permitted bool }
	evStart        struct{}
	evStop         struct{}
	evPush         struct{ m codec.Measurement }
	evServing      struct {
		gen    uint64
		server device.Server
		err    error
	}
	evPeer struct {
		gen       uint64
		peer      string
		connected bool
	}
	evRead struct {
		gen    uint64
		charID uint16
		reply  chan readReply
	}
	evAdvertiseFailed struct {
		gen uint64
		err error
	}
)

type readReply struct {
	frame []byte
	err   error
}

// NewSession creates an idle session and starts its event loop.
func NewSession(radio device.Radio, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if !opts.Profile.Valid() {
		opts.Profile = profile.Thermometer
	}
	name := opts.DeviceName
	if name == "" {
		name = DefaultDeviceName
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		radio:     radio,
		logger:    logger,
		name:      name,
		events:    make(chan event, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		profile:   opts.Profile,
		permitted: opts.Permitted,
		peers:     make(map[string]struct{}),
	}
	if opts.NotifyRate > 0 {
		burst := int(opts.NotifyRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.NotifyRate), burst)
	}
	s.store = state.NewStore(s.snapshot())

	groutine.Go(ctx, "peripheral-loop", s.loop)
	return s
}

// SetProfile selects the emulated profile. An advertising session is stopped
// first; it is not restarted.
func (s *Session) SetProfile(p profile.Profile) { s.post(evSetProfile{p: p}) }

// SetPermitted updates the operation-permitted precondition.
func (s *Session) SetPermitted(permitted bool) { s.post(evSetPermitted{permitted: permitted}) }

// Start begins advertising. It is a no-op while advertising.
func (s *Session) Start() { s.post(evStart{}) }

// Stop ends advertising and clears the peer set. It is a no-op while idle.
func (s *Session) Stop() { s.post(evStop{}) }

// Push encodes m for the current profile and notifies every connected peer.
// It is a no-op while idle.
func (s *Session) Push(m codec.Measurement) { s.post(evPush{m: m}) }

func (s *Session) Snapshot() Snapshot { return s.store.Load() }

// Subscribe streams snapshots, starting with the current one.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	return s.store.Subscribe(state.DefaultSubscriberBuffer)
}

// Close force-stops the session and waits for the loop to exit.
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
			s.publish()
			return
		case ev := <-s.events:
			if err := groutine.Guard("peripheral event", func() { s.handle(ev) }); err != nil {
				s.logger.WithError(err).Error("Peripheral event handler failed")
				s.err = err
			}
			s.publish()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case evSetProfile:
		s.setProfile(ev.p)
	case evSetPermitted:
		s.permitted = ev.permitted
	case evStart:
		s.start()
	case evStop:
		s.stop()
	case evPush:
		s.push(ev.m)
	case evServing:
		s.serving(ev)
	case evPeer:
		s.peer(ev)
	case evRead:
		ev.reply <- s.read(ev)
	case evAdvertiseFailed:
		if ev.gen != s.gen || s.state != Advertising {
			return
		}
		s.logger.WithError(ev.err).Warn("Advertising stopped unexpectedly")
		s.teardown(false)
		s.err = ev.err
	}
}

func (s *Session) setProfile(p profile.Profile) {
	if !p.Valid() {
		s.err = &profile.UnknownProfileError{Value: fmt.Sprint(int(p))}
		return
	}
	if p == s.profile {
		return
	}
	if s.state == Advertising || s.starting {
		s.stop()
	}
	s.profile = p
	s.lastFrame = nil
	s.logger.WithField("profile", p).Info("Profile selected")
}

func (s *Session) start() {
	if s.state == Advertising || s.starting {
		s.logger.WithError(device.ErrAlreadyActive).Debug("Start ignored")
		return
	}
	if !s.permitted {
		s.err = fmt.Errorf("%w: advertising not permitted", device.ErrPermissionDenied)
		return
	}

	s.starting = true
	s.err = nil
	s.gen++
	gen := s.gen
	svc, char := profile.Resolve(s.profile)
	cfg := device.ServerConfig{
		DeviceName:       s.name,
		ServiceID:        svc,
		CharacteristicID: char,
		Initial:          slices.Clone(s.lastFrame),
	}
	handlers := s.handlers(gen)

	s.logger.WithFields(logrus.Fields{
		"profile": s.profile,
		"service": profile.FormatUUID16(svc),
		"name":    s.name,
	}).Info("Starting advertisement")

	groutine.Go(s.ctx, "peripheral-serve", func(ctx context.Context) {
		var srv device.Server
		err := s.radio.Enabled()
		if err == nil {
			srv, err = s.radio.Serve(cfg, handlers)
		}
		if !s.post(evServing{gen: gen, server: srv, err: err}) && srv != nil {
			_ = srv.Close()
		}
	})
}

func (s *Session) serving(ev evServing) {
	if ev.gen != s.gen || !s.starting {
		// superseded by Stop or SetProfile
		if ev.server != nil {
			s.closeServer(ev.server)
		}
		return
	}
	s.starting = false
	if ev.err != nil {
		s.logger.WithError(ev.err).Error("Failed to start advertising")
		clear(s.peers)
		s.err = ev.err
		return
	}
	s.server = ev.server
	s.state = Advertising
	s.logger.WithField("profile", s.profile).Info("Advertising")
}

func (s *Session) stop() {
	if s.state == Idle && !s.starting {
		return
	}
	s.teardown(false)
	s.logger.Info("Advertising stopped")
}

// teardown returns to Idle. With wait set the server is closed on the loop
// goroutine.
func (s *Session) teardown(wait bool) {
	s.gen++
	s.starting = false
	s.state = Idle
	clear(s.peers)
	if s.server == nil {
		return
	}
	srv := s.server
	s.server = nil
	if wait {
		if err := srv.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close server")
		}
		return
	}
	s.closeServer(srv)
}

func (s *Session) closeServer(srv device.Server) {
	logger := s.logger
	groutine.Go(context.Background(), "peripheral-close", func(context.Context) {
		if err := srv.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close server")
		}
	})
}

// live reports whether callbacks of generation gen reach a running server.
// The server accepts peers before its evServing is handled.
func (s *Session) live(gen uint64) bool {
	return gen == s.gen && (s.state == Advertising || s.starting)
}

func (s *Session) peer(ev evPeer) {
	if !s.live(ev.gen) {
		return
	}
	if ev.connected {
		s.peers[ev.peer] = struct{}{}
		s.logger.WithField("peer", ev.peer).Info("Peer connected")
		return
	}
	delete(s.peers, ev.peer)
	s.logger.WithField("peer", ev.peer).Info("Peer disconnected")
}

func (s *Session) push(m codec.Measurement) {
	if s.state != Advertising {
		s.logger.Debug("Push ignored while idle")
		return
	}
	frame, err := codec.Encode(s.profile, m)
	if err != nil {
		s.logger.WithError(err).WithField("profile", s.profile).Error("Measurement does not match profile")
		s.err = err
		return
	}
	s.lastFrame = frame
	s.pushed++

	if s.limiter != nil && !s.limiter.Allow() {
		s.throttled++
		return
	}
	s.notify(frame)
}

func (s *Session) notify(frame []byte) {
	if len(s.peers) == 0 {
		return
	}
	if b, ok := s.server.(device.Broadcaster); ok {
		err := groutine.Guard("broadcast", func() {
			if err := b.Broadcast(frame); err != nil {
				s.logger.WithError(err).Warn("Broadcast failed")
			}
		})
		if err != nil {
			s.logger.WithError(err).Error("Broadcast failed")
		}
		return
	}
	for peer := range s.peers {
		err := groutine.Guard("notify", func() {
			if err := s.server.Notify(peer, frame); err != nil {
				s.logger.WithError(err).WithField("peer", peer).Warn("Notify failed")
			}
		})
		if err != nil {
			s.logger.WithError(err).WithField("peer", peer).Error("Notify failed")
		}
	}
}

func (s *Session) read(ev evRead) readReply {
	if !s.live(ev.gen) {
		return readReply{err: device.ErrNotAdvertising}
	}
	if ev.charID != s.profile.CharacteristicID() {
		return readReply{err: fmt.Errorf("%w: characteristic %s", device.ErrReadNotPermitted, profile.FormatUUID16(ev.charID))}
	}
	if s.lastFrame == nil {
		return readReply{frame: []byte{}}
	}
	return readReply{frame: slices.Clone(s.lastFrame)}
}

// handlers binds platform callbacks to generation gen.
func (s *Session) handlers(gen uint64) device.ServerHandlers {
	return device.ServerHandlers{
		OnConnect: func(peer string) {
			s.post(evPeer{gen: gen, peer: peer, connected: true})
		},
		OnDisconnect: func(peer string) {
			s.post(evPeer{gen: gen, peer: peer})
		},
		OnRead: func(peer string, charID uint16) ([]byte, error) {
			reply := make(chan readReply, 1)
			if !s.post(evRead{gen: gen, charID: charID, reply: reply}) {
				return nil, device.ErrNotAdvertising
			}
			select {
			case r := <-reply:
				return r.frame, r.err
			case <-s.ctx.Done():
				return nil, device.ErrNotAdvertising
			case <-time.After(readTimeout):
				return nil, fmt.Errorf("%w: read from %s", device.ErrTimeout, peer)
			}
		},
		OnError: func(err error) {
			s.post(evAdvertiseFailed{gen: gen, err: err})
		},
	}
}

func (s *Session) snapshot() Snapshot {
	peers := make([]string, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return Snapshot{
		Profile:     s.profile,
		State:       s.state,
		Advertising: s.state == Advertising,
		Peers:       peers,
		LastFrame:   slices.Clone(s.lastFrame),
		Pushed:      s.pushed,
		Throttled:   s.throttled,
		Err:         s.err,
	}
}

func (s *Session) publish() {
	s.store.Publish(s.snapshot())
}

// IsAvailabilityError reports whether err is a permission or adapter error.
func IsAvailabilityError(err error) bool {
	return errors.Is(err, device.ErrPermissionDenied) || errors.Is(err, device.ErrAdapterUnavailable)
}
