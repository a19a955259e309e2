package peripheral_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blehealth/internal/codec"
	"github.com/srg/blehealth/internal/device"
	"github.com/srg/blehealth/internal/profile"
	"github.com/srg/blehealth/internal/testutils"
	"github.com/srg/blehealth/peripheral"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type SessionTestSuite struct {
	suite.Suite

	radio   *testutils.FakeRadio
	session *peripheral.Session
}

func (suite *SessionTestSuite) SetupTest() {
	suite.radio = testutils.NewFakeRadio()
	suite.session = suite.newSession(peripheral.Options{
		DeviceName: "Test Thermometer",
		Profile:    profile.Thermometer,
		Permitted:  true,
	})
}

func (suite *SessionTestSuite) TearDownTest() {
	suite.session.Close()
}

func (suite *SessionTestSuite) newSession(opts peripheral.Options) *peripheral.Session {
	return peripheral.NewSession(suite.radio, opts, testutils.NewTestLogger())
}

func (suite *SessionTestSuite) eventually(s *peripheral.Session, cond func(peripheral.Snapshot) bool, msg string) peripheral.Snapshot {
	suite.Require().Eventually(func() bool { return cond(s.Snapshot()) }, waitFor, tick, msg)
	return s.Snapshot()
}

func (suite *SessionTestSuite) startAdvertising() *testutils.FakeServer {
	suite.session.Start()
	suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Advertising },
		"session MUST reach Advertising")
	return suite.radio.Server()
}

func (suite *SessionTestSuite) connect(srv *testutils.FakeServer, peers ...string) {
	for _, p := range peers {
		srv.Connect(p)
	}
	suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return len(s.Peers) == len(peers) },
		"every connected peer MUST be tracked")
}

func (suite *SessionTestSuite) TestStart() {
	// GOAL: Verify Start opens one server for the selected profile and advertises
	//
	// TEST SCENARIO: Start an idle thermometer session → server exposes 1809/2A1C → state is Advertising

	srv := suite.startAdvertising()

	suite.Require().NotNil(srv)
	suite.Equal(uint16(0x1809), srv.Config.ServiceID)
	suite.Equal(uint16(0x2A1C), srv.Config.CharacteristicID)
	suite.Equal("Test Thermometer", srv.Config.DeviceName)

	snap := suite.session.Snapshot()
	suite.Equal(peripheral.Advertising, snap.State)
	suite.Equal(profile.Thermometer, snap.Profile)
	suite.NoError(snap.Err)
}

func (suite *SessionTestSuite) TestStartIsIdempotent() {
	// GOAL: Verify a redundant Start neither creates a second server nor changes the profile
	//
	// TEST SCENARIO: Start twice back to back, then again while advertising → exactly one Serve call

	suite.Run("while starting", func() {
		suite.session.Start()
		suite.session.Start()
		suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Advertising },
			"session MUST reach Advertising")
		suite.Equal(1, suite.radio.ServeCount(), "concurrent Start MUST NOT open a second server")
	})

	suite.Run("while advertising", func() {
		suite.session.Start()
		// Push is handled after Start, so its effect proves Start was processed
		suite.session.Push(codec.Temperature{Value: 36.5})
		snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Pushed == 1 },
			"push MUST be applied")

		suite.True(snap.Advertising, "advertising flag MUST stay true")
		suite.Equal(profile.Thermometer, snap.Profile, "profile MUST be unchanged")
		suite.Equal(1, suite.radio.ServeCount(), "Start while advertising MUST NOT open a second server")
	})
}

func (suite *SessionTestSuite) TestStartGuards() {
	// GOAL: Verify permission and adapter failures abort Start with a typed error and no state change
	//
	// TEST SCENARIO: not permitted / adapter off / Serve fails → Idle + Err, no server

	suite.Run("not permitted", func() {
		s := suite.newSession(peripheral.Options{Profile: profile.HeartRate})
		defer s.Close()

		s.Start()
		snap := suite.eventually(s, func(s peripheral.Snapshot) bool { return s.Err != nil },
			"error MUST be surfaced")
		suite.ErrorIs(snap.Err, device.ErrPermissionDenied)
		suite.Equal(peripheral.Idle, snap.State)
		suite.Equal(0, suite.radio.ServeCount())

		s.SetPermitted(true)
		s.Start()
		suite.eventually(s, func(s peripheral.Snapshot) bool { return s.Advertising },
			"Start MUST succeed once permitted")
	})

	suite.Run("adapter off", func() {
		radio := &testutils.MockRadio{}
		radio.On("Enabled").Return(device.ErrBluetoothOff)

		s := peripheral.NewSession(radio, peripheral.Options{Permitted: true}, testutils.NewTestLogger())
		defer s.Close()

		s.Start()
		snap := suite.eventually(s, func(s peripheral.Snapshot) bool { return s.Err != nil },
			"error MUST be surfaced")
		suite.ErrorIs(snap.Err, device.ErrAdapterUnavailable)
		suite.True(peripheral.IsAvailabilityError(snap.Err))
		suite.False(snap.Advertising)
		radio.AssertNotCalled(suite.T(), "Serve", mock.Anything, mock.Anything)
	})

	suite.Run("serve fails", func() {
		radio := testutils.NewFakeRadio()
		radio.SetServeErr(device.ErrUnsupported)
		s := peripheral.NewSession(radio, peripheral.Options{Permitted: true}, testutils.NewTestLogger())
		defer s.Close()

		s.Start()
		snap := suite.eventually(s, func(s peripheral.Snapshot) bool { return s.Err != nil },
			"error MUST be surfaced")
		suite.ErrorIs(snap.Err, device.ErrUnsupported)
		suite.Equal(peripheral.Idle, snap.State)
	})
}

func (suite *SessionTestSuite) TestPeerTracking() {
	// GOAL: Verify connect/disconnect callbacks mutate only the peer set and Stop clears it
	//
	// TEST SCENARIO: two peers connect, one leaves, Stop → peers cleared, server closed, Idle

	srv := suite.startAdvertising()
	suite.connect(srv, "bb:00", "aa:00")
	suite.Equal([]string{"aa:00", "bb:00"}, suite.session.Snapshot().Peers, "peers MUST be sorted")

	srv.Disconnect("bb:00")
	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return len(s.Peers) == 1 },
		"disconnected peer MUST be removed")
	suite.Equal([]string{"aa:00"}, snap.Peers)
	suite.True(snap.Advertising, "peer callbacks MUST NOT change state")

	suite.session.Stop()
	snap = suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return !s.Advertising },
		"Stop MUST return to Idle")
	suite.Empty(snap.Peers)
	suite.Eventually(srv.Closed, waitFor, tick, "server MUST be closed on Stop")

	srv.Connect("cc:00")
	suite.session.Push(codec.Temperature{Value: 37})
	suite.Empty(suite.session.Snapshot().Peers, "callbacks from a closed server MUST be ignored")
}

func (suite *SessionTestSuite) TestPeerConnectsWhileStarting() {
	// GOAL: Verify a peer accepted before the server reports ready is tracked and notified
	//
	// TEST SCENARIO: Serve connects aa:bb before returning → Advertising with aa:bb → Push reaches it

	suite.radio.ConnectDuringServe("aa:bb")
	srv := suite.startAdvertising()

	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return len(s.Peers) == 1 },
		"early peer MUST be tracked")
	suite.Equal([]string{"aa:bb"}, snap.Peers)

	suite.session.Push(codec.Temperature{Value: 36.5})
	suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Pushed == 1 }, "push MUST apply")
	suite.Equal([][]byte{{0x00, 0x6D, 0x01, 0x00, 0xFF}}, srv.Notifications("aa:bb"))
}

func (suite *SessionTestSuite) TestEarlyPeersClearedOnServeFailure() {
	suite.radio.ConnectDuringServe("aa:bb")
	suite.radio.SetServeErr(errors.New("hci: advertising failed"))

	suite.session.Start()
	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Err != nil },
		"serve error MUST be surfaced")
	suite.Empty(snap.Peers)
	suite.False(snap.Advertising)
}

func (suite *SessionTestSuite) TestPush() {
	// GOAL: Verify Push encodes for the active profile and notifies every peer independently
	//
	// TEST SCENARIO: peer a fails to notify, peer b succeeds → b receives the exact thermometer frame

	srv := suite.startAdvertising()
	suite.connect(srv, "aa:00", "bb:00")
	srv.SetNotifyErr("aa:00", errors.New("att: insufficient resources"))

	suite.session.Push(codec.Temperature{Value: 36.5})
	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Pushed == 1 },
		"push MUST be counted")

	want := []byte{0x00, 0x6D, 0x01, 0x00, 0xFF}
	suite.Equal(want, snap.LastFrame)
	suite.Equal([][]byte{want}, srv.Notifications("bb:00"), "a failing peer MUST NOT block the others")
	suite.Empty(srv.Notifications("aa:00"))
	suite.NoError(snap.Err)
}

func (suite *SessionTestSuite) TestPushWhileIdleIsNoop() {
	// GOAL: Verify Push does nothing while Idle
	//
	// TEST SCENARIO: Push before Start → no frame stored, no counters

	suite.session.Push(codec.Temperature{Value: 36.5})
	suite.startAdvertising()

	snap := suite.session.Snapshot()
	suite.Zero(snap.Pushed)
	suite.Nil(snap.LastFrame)
}

func (suite *SessionTestSuite) TestPushProfileMismatch() {
	// GOAL: Verify a measurement of the wrong variant is rejected and surfaced
	//
	// TEST SCENARIO: push heart rate to a thermometer session → ErrProfileMismatch, nothing notified

	srv := suite.startAdvertising()
	suite.connect(srv, "aa:00")

	suite.session.Push(codec.HeartRate{BPM: 72})
	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Err != nil },
		"encode error MUST be surfaced")

	suite.ErrorIs(snap.Err, codec.ErrProfileMismatch)
	suite.Zero(snap.Pushed)
	suite.Empty(srv.Notifications("aa:00"))
}

func (suite *SessionTestSuite) TestRead() {
	// GOAL: Verify reads return the last frame for the active characteristic and are rejected otherwise
	//
	// TEST SCENARIO: read before push → empty; after push → frame; other characteristic → rejected

	srv := suite.startAdvertising()

	data, err := srv.Read("aa:00", 0x2A1C)
	suite.Require().NoError(err)
	suite.Empty(data)

	suite.session.Push(codec.Temperature{Value: 36.5})
	suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Pushed == 1 }, "push MUST apply")

	data, err = srv.Read("aa:00", 0x2A1C)
	suite.Require().NoError(err)
	suite.Equal([]byte{0x00, 0x6D, 0x01, 0x00, 0xFF}, data)

	_, err = srv.Read("aa:00", 0x2A37)
	suite.ErrorIs(err, device.ErrReadNotPermitted)
}

func (suite *SessionTestSuite) TestSetProfileStopsFirst() {
	// GOAL: Verify changing profile while advertising stops the session before applying
	//
	// TEST SCENARIO: advertising thermometer → SetProfile(heart rate) → Idle with new profile → Start serves 180D

	srv := suite.startAdvertising()
	suite.connect(srv, "aa:00")

	suite.session.SetProfile(profile.HeartRate)
	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Profile == profile.HeartRate },
		"profile MUST be applied")
	suite.False(snap.Advertising, "SetProfile MUST stop advertising")
	suite.Empty(snap.Peers)
	suite.Eventually(srv.Closed, waitFor, tick, "old server MUST be closed")

	srv = suite.startAdvertising()
	suite.Equal(uint16(0x180D), srv.Config.ServiceID)
	suite.Equal(uint16(0x2A37), srv.Config.CharacteristicID)

	suite.session.SetProfile(profile.Profile(42))
	snap = suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Err != nil },
		"invalid profile MUST be rejected")
	suite.True(snap.Advertising, "invalid profile MUST NOT stop the session")
}

func (suite *SessionTestSuite) TestNotifyThrottle() {
	// GOAL: Verify the notify rate limit skips notifications but still stores frames
	//
	// TEST SCENARIO: rate 1/s, three quick pushes → one notification, two throttled

	suite.session.Close()
	suite.session = suite.newSession(peripheral.Options{Profile: profile.HeartRate, Permitted: true, NotifyRate: 1})

	srv := suite.startAdvertising()
	suite.connect(srv, "aa:00")

	for bpm := 70; bpm < 73; bpm++ {
		suite.session.Push(codec.HeartRate{BPM: bpm})
	}
	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Pushed == 3 },
		"every push MUST be counted")

	suite.Equal(uint64(2), snap.Throttled)
	suite.Equal([][]byte{{0x00, 70}}, srv.Notifications("aa:00"))
	suite.Equal([]byte{0x00, 72}, snap.LastFrame, "throttled frames MUST still be served to reads")
}

func (suite *SessionTestSuite) TestBroadcastServer() {
	// GOAL: Verify servers that can only broadcast get one write per push
	//
	// TEST SCENARIO: broadcast-capable server, two peers → one broadcast, no per-peer notify

	suite.radio.UseBroadcast(true)
	srv := suite.startAdvertising()
	suite.connect(srv, "aa:00", "bb:00")

	suite.session.Push(codec.Temperature{Value: 36.5})
	suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return s.Pushed == 1 }, "push MUST apply")

	suite.Len(srv.Broadcasts(), 1)
	suite.Empty(srv.Notifications("aa:00"))
	suite.Empty(srv.Notifications("bb:00"))
}

func (suite *SessionTestSuite) TestAdvertisingFailure() {
	// GOAL: Verify an advertisement dropped by the stack returns the session to Idle with an error
	//
	// TEST SCENARIO: advertising → OnError(bluetooth off) → Idle + ErrAdapterUnavailable

	srv := suite.startAdvertising()
	srv.FailAdvertising(device.ErrBluetoothOff)

	snap := suite.eventually(suite.session, func(s peripheral.Snapshot) bool { return !s.Advertising },
		"session MUST return to Idle")
	suite.ErrorIs(snap.Err, device.ErrAdapterUnavailable)
}

func (suite *SessionTestSuite) TestCloseForceStops() {
	// GOAL: Verify Close tears down the server synchronously
	//
	// TEST SCENARIO: advertising with a peer → Close → server closed, final snapshot Idle, later calls ignored

	srv := suite.startAdvertising()
	suite.connect(srv, "aa:00")

	suite.session.Close()

	suite.True(srv.Closed(), "Close MUST close the server before returning")
	snap := suite.session.Snapshot()
	suite.False(snap.Advertising)
	suite.Empty(snap.Peers)

	suite.session.Start()
	suite.Equal(1, suite.radio.ServeCount(), "calls after Close MUST be ignored")
}

func (suite *SessionTestSuite) TestSubscribe() {
	// GOAL: Verify subscribers receive the current snapshot first and then transitions
	//
	// TEST SCENARIO: subscribe while idle → first value idle → Start → an advertising snapshot arrives

	ch, cancel := suite.session.Subscribe()
	defer cancel()

	first := <-ch
	suite.False(first.Advertising)

	suite.session.Start()
	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-ch:
			if snap.Advertising {
				return
			}
		case <-deadline:
			suite.Fail("advertising snapshot MUST be published")
			return
		}
	}
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
