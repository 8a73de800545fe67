package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/internal/fanout"
	"github.com/srg/linkmgr/internal/testutils"
	"github.com/srg/linkmgr/pkg/manager"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const headUnit = "ecu-1"

type LoopbackTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper

	lb      *Adapter
	tm      *manager.TransportManager
	watcher *testutils.JournalWatcher
	wait    time.Duration
}

func (s *LoopbackTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.wait = 2 * time.Second

	s.lb = New(Options{
		Options: kit.Options{Logger: s.helper.Logger, SearchWindow: 100 * time.Millisecond},
		Peers:   []kit.Peer{{Address: headUnit, Name: "Head unit", Apps: []transport.ApplicationHandle{1}}},
	})
	s.tm = manager.New(s.helper.Logger)
	s.Require().NoError(s.tm.Init())

	journal := fanout.NewJournal(256)
	s.watcher = testutils.NewJournalWatcher(journal)
	s.Require().NoError(s.tm.AddEventListener(journal))
	s.Require().NoError(s.tm.AddTransportAdapter(s.lb))
}

func (s *LoopbackTestSuite) TearDownTest() {
	s.Require().NoError(s.tm.Stop())
}

func (s *LoopbackTestSuite) await(kind fanout.Kind) fanout.Notification {
	n, ok := s.watcher.Await(kind, s.wait)
	s.Require().True(ok, "expected %s, pending: %v", kind, s.watcher.Pending())
	return n
}

func (s *LoopbackTestSuite) discover() transport.DeviceInfo {
	s.Require().NoError(s.tm.SearchDevices())
	found := s.await(fanout.DeviceFound)
	s.await(fanout.ScanDevicesFinished)
	return found.Device
}

func (s *LoopbackTestSuite) TestSearchConnectEcho() {
	// GOAL: Verify a message sent through the manager returns from the echo application
	//
	// TEST SCENARIO: search → device found → connect → send "hello" → sent + received "hello" → disconnect → closed

	dev := s.discover()
	s.Equal(headUnit, dev.Address)
	s.Equal("Head unit", dev.Name)
	s.Equal(ConnectionType, dev.ConnectionType)

	s.Require().NoError(s.tm.ConnectDevice(dev.Handle))
	est := s.await(fanout.ConnectionEstablished)
	s.Equal(dev.Handle, est.Device.Handle)

	s.Require().NoError(s.tm.SendMessageToDevice(transport.NewRawMessage(est.UID, 1, []byte("hello"))))
	sent := s.await(fanout.MessageSent)
	s.Equal([]byte("hello"), sent.Message.Data)

	recv := s.await(fanout.MessageReceived)
	s.Equal([]byte("hello"), recv.Message.Data, "echo MUST return the payload unchanged")
	s.Equal(est.UID, recv.Message.ConnectionKey, "received message MUST carry the connection uid")

	s.Require().NoError(s.tm.Disconnect(est.UID))
	closed := s.await(fanout.ConnectionClosed)
	s.Equal(est.UID, closed.UID)
	s.Empty(s.tm.Connections())
}

func (s *LoopbackTestSuite) TestVanishedPeerIsRemoved() {
	dev := s.discover()

	s.lb.SetPeers()
	s.Require().NoError(s.tm.SearchDevices())
	removed := s.await(fanout.DeviceRemoved)
	s.Equal(dev.Address, removed.Device.Address)
	s.Empty(s.tm.Devices())
}

func (s *LoopbackTestSuite) TestInjectedClient() {
	// GOAL: Verify a client connecting while visible becomes a device and a connection
	//
	// TEST SCENARIO: visibility on → inject client → device added + connection established → client frame received → client hangs up → unexpected disconnect

	s.Require().NoError(s.tm.Visibility(true))

	ctx, cancel := context.WithTimeout(context.Background(), s.wait)
	defer cancel()
	client, err := s.lb.Inject(ctx, kit.Peer{Address: "phone", Name: "Phone"}, 5)
	s.Require().NoError(err)

	added := s.await(fanout.DeviceAdded)
	s.Equal("phone", added.Device.Address)
	est := s.await(fanout.ConnectionEstablished)
	s.Equal("phone", est.Device.Address)

	s.Require().NoError(kit.NewCodec(0).WriteFrame(client, transport.NewRawMessage(0, 2, []byte("hi"))))
	recv := s.await(fanout.MessageReceived)
	s.Equal([]byte("hi"), recv.Message.Data)
	s.Equal(uint32(2), recv.Message.ProtocolVersion)

	s.Require().NoError(client.Close())
	lost := s.await(fanout.UnexpectedDisconnect)
	s.Equal(est.UID, lost.UID)
}

func (s *LoopbackTestSuite) TestInjectWithoutListeningTimesOut() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.lb.Inject(ctx, kit.Peer{Address: "phone"}, 1)
	s.ErrorIs(err, context.DeadlineExceeded, "inject MUST give up when nobody listens")
}

func TestLoopbackTestSuite(t *testing.T) {
	suite.Run(t, new(LoopbackTestSuite))
}

func TestDialRefusesUnservedApplication(t *testing.T) {
	d := &driver{logger: testutils.NewTestHelper(t).Logger, codec: kit.NewCodec(0)}
	require.NoError(t, d.Open())
	defer d.Close()

	_, err := d.Dial(context.Background(), kit.Peer{Address: headUnit, Apps: []transport.ApplicationHandle{1}}, 2)
	assert.Error(t, err, "an application the peer does not serve MUST be refused")

	conn, err := d.Dial(context.Background(), kit.Peer{Address: headUnit}, kit.DefaultApplication)
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
}
