package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/profile"
)

// FakeRadio is a scriptable in-memory device.Radio. Tests drive the platform
// side (advertisements, peers, notifications, failures) through its methods.
type FakeRadio struct {
	mu sync.Mutex

	name       string
	enabledErr error
	events     []string

	scanHandler func(device.Advertisement)
	scanFail    chan error
	scanCount   int

	peripherals map[string][]device.Characteristic
	dialErrs    map[string]error
	dialGate    chan struct{}
	clients     map[string]*FakeClient

	serveErr   error
	broadcast  bool
	earlyPeers []string
	server     *FakeServer
	serveCount int
}

func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		name:        "fake",
		peripherals: make(map[string][]device.Characteristic),
		dialErrs:    make(map[string]error),
		clients:     make(map[string]*FakeClient),
	}
}

func (r *FakeRadio) Name() string { return r.name }

func (r *FakeRadio) SetEnabledErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabledErr = err
}

func (r *FakeRadio) Enabled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabledErr
}

// Events returns the platform calls observed so far: "scan-start",
// "scan-stop", "dial <addr>", "serve <service>", "server-close".
func (r *FakeRadio) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *FakeRadio) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// ---- central role ----

func (r *FakeRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	fail := make(chan error, 1)

	r.mu.Lock()
	if r.scanHandler != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: scan", device.ErrAlreadyActive)
	}
	r.scanHandler = handler
	r.scanFail = fail
	r.scanCount++
	r.events = append(r.events, "scan-start")
	r.mu.Unlock()

	var err error
	select {
	case <-ctx.Done():
	case err = <-fail:
	}

	r.mu.Lock()
	r.scanHandler = nil
	r.scanFail = nil
	r.events = append(r.events, "scan-stop")
	r.mu.Unlock()
	return err
}

// Scanning reports whether a Scan call is in progress.
func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanHandler != nil
}

func (r *FakeRadio) ScanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanCount
}

// Advertise delivers adv to the running scan. It reports false when no scan
// is in progress.
func (r *FakeRadio) Advertise(adv device.Advertisement) bool {
	r.mu.Lock()
	h := r.scanHandler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

// FailScan makes the running scan return err.
func (r *FakeRadio) FailScan(err error) bool {
	r.mu.Lock()
	fail := r.scanFail
	r.mu.Unlock()
	if fail == nil {
		return false
	}
	select {
	case fail <- err:
		return true
	default:
		return false
	}
}

// AddPeripheral registers a dialable address exposing chars.
func (r *FakeRadio) AddPeripheral(addr string, chars ...device.Characteristic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripherals[addr] = chars
}

// AddHealthPeripheral registers addr exposing the characteristic of each profile.
func (r *FakeRadio) AddHealthPeripheral(addr string, profiles ...profile.Profile) {
	chars := make([]device.Characteristic, 0, len(profiles))
	for _, p := range profiles {
		chars = append(chars, &FakeCharacteristic{
			Service: p.ServiceUUID(),
			Char:    p.CharacteristicUUID(),
			Notify:  true,
		})
	}
	r.AddPeripheral(addr, chars...)
}

func (r *FakeRadio) SetDialErr(addr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialErrs[addr] = err
}

// HoldDials makes Dial block until the returned release func is called or
// the dial context ends.
func (r *FakeRadio) HoldDials() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.dialGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.dialGate == gate {
				r.dialGate = nil
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *FakeRadio) Dial(ctx context.Context, address string) (device.Client, error) {
	r.record("dial " + address)

	r.mu.Lock()
	gate := r.dialGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.dialErrs[address]; err != nil {
		return nil, err
	}
	chars, ok := r.peripherals[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such peer", device.ErrConnectionFailed, address)
	}
	c := newFakeClient(address, chars)
	r.clients[address] = c
	return c, nil
}

// Client returns the most recent connection dialed to addr.
func (r *FakeRadio) Client(addr string) *FakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[addr]
}

// ---- peripheral role ----

func (r *FakeRadio) SetServeErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serveErr = err
}

// UseBroadcast makes Serve return servers implementing device.Broadcaster.
func (r *FakeRadio) UseBroadcast(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = v
}

// ConnectDuringServe makes Serve connect peers before it returns, like a
// stack that accepts centrals as soon as advertising begins.
func (r *FakeRadio) ConnectDuringServe(peers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.earlyPeers = peers
}

func (r *FakeRadio) Serve(cfg device.ServerConfig, h device.ServerHandlers) (device.Server, error) {
	r.mu.Lock()
	r.events = append(r.events, "serve "+profile.FormatUUID16(cfg.ServiceID))
	s := &FakeServer{
		radio:         r,
		Config:        cfg,
		handlers:      h,
		notifications: make(map[string][][]byte),
		notifyErrs:    make(map[string]error),
	}
	serveErr := r.serveErr
	if serveErr == nil {
		r.serveCount++
		r.server = s
	}
	early := r.earlyPeers
	broadcast := r.broadcast
	r.mu.Unlock()

	// early peers connect even when the stack fails afterwards
	for _, peer := range early {
		s.Connect(peer)
	}
	if serveErr != nil {
		return nil, serveErr
	}
	if broadcast {
		return &FakeBroadcastServer{FakeServer: s}, nil
	}
	return s, nil
}

// Server returns the last server opened by Serve.
func (r *FakeRadio) Server() *FakeServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server
}

func (r *FakeRadio) ServeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serveCount
}

// FakeServer records what a peripheral session does with its GATT server.
type FakeServer struct {
	radio    *FakeRadio
	Config   device.ServerConfig
	handlers device.ServerHandlers

	mu            sync.Mutex
	notifications map[string][][]byte
	notifyErrs    map[string]error
	broadcasts    [][]byte
	closed        bool
}

// Connect simulates a central connecting.
func (s *FakeServer) Connect(peer string) {
	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect(peer)
	}
}

func (s *FakeServer) Disconnect(peer string) {
	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect(peer)
	}
}

// Read simulates a peer reading charID.
func (s *FakeServer) Read(peer string, charID uint16) ([]byte, error) {
	if s.handlers.OnRead == nil {
		return nil, device.ErrReadNotPermitted
	}
	return s.handlers.OnRead(peer, charID)
}

// FailAdvertising simulates the stack stopping the advertisement.
func (s *FakeServer) FailAdvertising(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *FakeServer) SetNotifyErr(peer string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyErrs[peer] = err
}

func (s *FakeServer) Notify(peer string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrNotAdvertising
	}
	if err := s.notifyErrs[peer]; err != nil {
		return err
	}
	s.notifications[peer] = append(s.notifications[peer], append([]byte(nil), frame...))
	return nil
}

// Notifications returns the frames notified to peer.
func (s *FakeServer) Notifications(peer string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.notifications[peer]...)
}

func (s *FakeServer) Broadcasts() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.broadcasts...)
}

func (s *FakeServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.radio.record("server-close")
	return nil
}

func (s *FakeServer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeBroadcastServer is a FakeServer that also implements device.Broadcaster.
type FakeBroadcastServer struct {
	*FakeServer
}

func (s *FakeBroadcastServer) Broadcast(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrNotAdvertising
	}
	s.broadcasts = append(s.broadcasts, append([]byte(nil), frame...))
	return nil
}

// FakeCharacteristic implements device.Characteristic.
type FakeCharacteristic struct {
	Service string
	Char    string
	Notify  bool
}

func (c *FakeCharacteristic) ServiceUUID() string { return c.Service }
func (c *FakeCharacteristic) UUID() string        { return c.Char }
func (c *FakeCharacteristic) Notifiable() bool    { return c.Notify }

// FakeClient is a connection returned by FakeRadio.Dial.
type FakeClient struct {
	address string
	chars   []device.Characteristic

	mu           sync.Mutex
	discoverErr  error
	subscribeErr error
	handlers     map[string]func([]byte)
	disconnects  int
	gone         chan struct{}
	goneOnce     sync.Once
}

func newFakeClient(addr string, chars []device.Characteristic) *FakeClient {
	return &FakeClient{
		address:  addr,
		chars:    chars,
		handlers: make(map[string]func([]byte)),
		gone:     make(chan struct{}),
	}
}

func (c *FakeClient) Address() string { return c.address }

func (c *FakeClient) SetDiscoverErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverErr = err
}

func (c *FakeClient) SetSubscribeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

func (c *FakeClient) Discover(ctx context.Context) ([]device.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return append([]device.Characteristic(nil), c.chars...), nil
}

func (c *FakeClient) Subscribe(ch device.Characteristic, handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.handlers[ch.UUID()] = handler
	return nil
}

// Subscribed returns the characteristic UUIDs with an active subscription.
func (c *FakeClient) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for _, p := range profile.All() {
		if _, ok := c.handlers[p.CharacteristicUUID()]; ok {
			out = append(out, p.CharacteristicUUID())
		}
	}
	return out
}

// Emit delivers data as a notification of charUUID. It reports false when
// nothing is subscribed to it.
func (c *FakeClient) Emit(charUUID string, data []byte) bool {
	c.mu.Lock()
	h := c.handlers[profile.NormalizeUUID(charUUID)]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Drop simulates a peer-initiated disconnect.
func (c *FakeClient) Drop() {
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *FakeClient) Disconnected() <-chan struct{} { return c.gone }

func (c *FakeClient) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.Drop()
	return nil
}

func (c *FakeClient) DisconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
