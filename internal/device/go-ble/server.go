package goble

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/groutine"
	"github.com/srg/blehealth/internal/ringchan"
)

// AdvertiseSettle is how long Serve waits for the advertisement to fail
// immediately (adapter off, unsupported) before reporting success.
var AdvertiseSettle = 100 * time.Millisecond

// subscriberBuffer is the per-peer notification backlog; the oldest pending
// frame is dropped when a peer falls behind.
const subscriberBuffer = 8

// server exposes one characteristic and advertises its service.
//
// go-ble does not surface link-level connect events on every platform, so a
// peer counts as connected while it holds a notify or indicate subscription.
type server struct {
	dev    ble.Device
	cfg    device.ServerConfig
	h      device.ServerHandlers
	logger *logrus.Logger

	peers *hashmap.Map[string, *ringchan.RingChannel[[]byte]]

	cancel    context.CancelFunc
	advDone   chan struct{}
	closeOnce sync.Once
	closing   chan struct{}
}

func newServer(dev ble.Device, cfg device.ServerConfig, h device.ServerHandlers, logger *logrus.Logger) (*server, error) {
	s := &server{
		dev:     dev,
		cfg:     cfg,
		h:       h,
		logger:  logger,
		peers:   hashmap.New[string, *ringchan.RingChannel[[]byte]](),
		advDone: make(chan struct{}),
		closing: make(chan struct{}),
	}

	svc := ble.NewService(ble.UUID16(cfg.ServiceID))
	ch := svc.NewCharacteristic(ble.UUID16(cfg.CharacteristicID))
	ch.HandleRead(ble.ReadHandlerFunc(s.handleRead))
	ch.HandleNotify(ble.NotifyHandlerFunc(s.handleSubscription))
	ch.HandleIndicate(ble.NotifyHandlerFunc(s.handleSubscription))

	if err := dev.AddService(svc); err != nil {
		return nil, NormalizeError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	advErr := make(chan error, 1)
	groutine.Go(ctx, "goble-advertise", func(ctx context.Context) {
		defer close(s.advDone)
		err := dev.AdvertiseNameAndServices(ctx, cfg.DeviceName, ble.UUID16(cfg.ServiceID))
		if err != nil && !isContextDone(err) {
			advErr <- NormalizeError(err)
		}
	})

	select {
	case err := <-advErr:
		cancel()
		_ = dev.RemoveAllServices()
		return nil, err
	case <-time.After(AdvertiseSettle):
	}

	// Later failures are reported through OnError.
	groutine.Go(ctx, "goble-advertise-watch", func(ctx context.Context) {
		select {
		case err := <-advErr:
			s.logger.WithError(err).Warn("Advertisement stopped unexpectedly")
			if s.h.OnError != nil {
				_ = groutine.Guard("server.OnError", func() { s.h.OnError(err) })
			}
		case <-s.closing:
		}
	})

	logger.WithFields(logrus.Fields{
		"name":    cfg.DeviceName,
		"service": cfg.ServiceID,
		"char":    cfg.CharacteristicID,
	}).Info("GATT server advertising")
	return s, nil
}

func (s *server) handleRead(req ble.Request, rsp ble.ResponseWriter) {
	peer := req.Conn().RemoteAddr().String()
	if s.h.OnRead == nil {
		rsp.SetStatus(ble.ErrReadNotPerm)
		return
	}

	var (
		data []byte
		err  error
	)
	if perr := groutine.Guard("server.OnRead", func() {
		data, err = s.h.OnRead(peer, s.cfg.CharacteristicID)
	}); perr != nil {
		err = perr
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{"peer": peer, "error": err}).Debug("Read rejected")
		rsp.SetStatus(ble.ErrReadNotPerm)
		return
	}
	if _, err := rsp.Write(data); err != nil {
		s.logger.WithFields(logrus.Fields{"peer": peer, "error": err}).Debug("Read response failed")
	}
}

// handleSubscription runs for as long as a peer keeps notifications enabled.
func (s *server) handleSubscription(req ble.Request, n ble.Notifier) {
	peer := req.Conn().RemoteAddr().String()
	frames := ringchan.New[[]byte](subscriberBuffer)
	if old, ok := s.peers.Get(peer); ok {
		old.Close()
	}
	s.peers.Set(peer, frames)
	s.fire("server.OnConnect", s.h.OnConnect, peer)

	defer func() {
		frames.Close()
		// a resubscription from the same peer replaces frames; only the
		// current holder reports the disconnect
		if cur, ok := s.peers.Get(peer); ok && cur == frames {
			s.peers.Del(peer)
			s.fire("server.OnDisconnect", s.h.OnDisconnect, peer)
		}
	}()

	for {
		select {
		case <-n.Context().Done():
			return
		case <-s.closing:
			return
		case frame, ok := <-frames.C():
			if !ok {
				return
			}
			if _, err := n.Write(frame); err != nil {
				s.logger.WithFields(logrus.Fields{"peer": peer, "error": err}).Debug("Notify failed")
			}
		}
	}
}

func (s *server) fire(where string, fn func(string), peer string) {
	if fn == nil {
		return
	}
	if err := groutine.Guard(where, func() { fn(peer) }); err != nil {
		s.logger.WithError(err).Error("Server callback panicked")
	}
}

// Notify queues frame for peer. It never blocks on a slow peer.
func (s *server) Notify(peer string, frame []byte) error {
	frames, ok := s.peers.Get(peer)
	if !ok {
		return &device.ConnectionError{State: device.NotConnected, Msg: peer}
	}
	if frames.Send(append([]byte(nil), frame...)) {
		s.logger.WithFields(logrus.Fields{
			"peer":    peer,
			"dropped": frames.GetMetrics().Overwritten,
		}).Debug("Slow peer, dropped oldest frame")
	}
	return nil
}

func (s *server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		<-s.advDone
		if rerr := s.dev.RemoveAllServices(); rerr != nil {
			err = NormalizeError(rerr)
		}
		s.logger.WithField("service", s.cfg.ServiceID).Info("GATT server closed")
	})
	return err
}
