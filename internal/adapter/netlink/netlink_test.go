package netlink

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/internal/testutils"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type NetlinkTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	wait   time.Duration

	server    *Adapter
	serverRec *testutils.EventRecorder
	client    *Adapter
	clientRec *testutils.EventRecorder
}

func (s *NetlinkTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.wait = 2 * time.Second

	s.server = New(Options{
		Options:       kit.Options{Logger: s.helper.Logger},
		ListenAddress: "127.0.0.1:0",
		DisableBrowse: true,
	})
	s.serverRec = testutils.NewEventRecorder()
	s.server.AddListener(s.serverRec)
	s.Require().NoError(s.server.Init())

	s.client = New(Options{
		Options:       kit.Options{Logger: s.helper.Logger, SearchWindow: 50 * time.Millisecond},
		DisableBrowse: true,
	})
	s.clientRec = testutils.NewEventRecorder()
	s.client.AddListener(s.clientRec)
	s.Require().NoError(s.client.Init())
}

func (s *NetlinkTestSuite) TearDownTest() {
	s.client.Terminate()
	s.server.Terminate()
}

func (s *NetlinkTestSuite) listen() string {
	s.Require().NoError(s.server.StartClientListening())
	s.Require().Eventually(func() bool { return s.server.ListenAddr() != nil }, s.wait, 5*time.Millisecond,
		"server MUST bind its listener")
	return s.server.ListenAddr().String()
}

func (s *NetlinkTestSuite) TestClientServerExchange() {
	// GOAL: Verify two adapters exchange frames over TCP with the application named by the dialler
	//
	// TEST SCENARIO: server listens → client dials app 3 → both report connect-done → frames both ways → client disconnects → server sees unexpected disconnect

	addr := s.listen()
	s.True(s.client.AddPeer(kit.Peer{Address: addr, Name: "server", Apps: []transport.ApplicationHandle{3}}))
	s.Require().NoError(s.client.ConnectDevice(addr))

	s.Require().Len(s.clientRec.WaitFor(adapter.EventConnectDone, 1, s.wait), 1)
	inbound := s.serverRec.WaitFor(adapter.EventConnectDone, 1, s.wait)
	s.Require().Len(inbound, 1)
	s.Equal(transport.ApplicationHandle(3), inbound[0].Application, "server MUST learn the application from the hello")
	s.Contains(s.server.DeviceList(), inbound[0].Address)

	s.Require().NoError(s.client.SendData(addr, 3, transport.NewRawMessage(1, 1, []byte("request"))))
	got := s.serverRec.WaitFor(adapter.EventReceivedDone, 1, s.wait)
	s.Require().Len(got, 1)
	s.Equal([]byte("request"), got[0].Message.Data)

	s.Require().NoError(s.server.SendData(inbound[0].Address, 3, transport.NewRawMessage(1, 1, []byte("response"))))
	back := s.clientRec.WaitFor(adapter.EventReceivedDone, 1, s.wait)
	s.Require().Len(back, 1)
	s.Equal([]byte("response"), back[0].Message.Data)

	s.Require().NoError(s.client.Disconnect(addr, 3))
	s.Require().Len(s.clientRec.WaitFor(adapter.EventDisconnectDone, 1, s.wait), 1)
	s.Len(s.serverRec.WaitFor(adapter.EventUnexpectedDisconnect, 1, s.wait), 1)
}

func (s *NetlinkTestSuite) TestClientWithoutHelloIsDropped() {
	s.server.drv.opts.HelloTimeout = 50 * time.Millisecond
	addr := s.listen()

	conn, err := net.Dial("tcp", addr)
	s.Require().NoError(err)
	defer conn.Close()

	buf := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(s.wait))
	_, err = conn.Read(buf)
	s.Error(err, "server MUST hang up on a silent client")
	s.Empty(s.serverRec.Of(adapter.EventConnectDone))
}

func (s *NetlinkTestSuite) TestDialRefused() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := ln.Addr().String()
	s.Require().NoError(ln.Close())

	s.client.AddPeer(kit.Peer{Address: addr})
	s.Require().NoError(s.client.ConnectDevice(addr))
	failed := s.clientRec.WaitFor(adapter.EventConnectFail, 1, s.wait)
	s.Require().Len(failed, 1)
	s.Error(failed[0].Err)
}

func (s *NetlinkTestSuite) TestStaticPeersAreDiscovered() {
	c := New(Options{
		Options:       kit.Options{Logger: s.helper.Logger, SearchWindow: 50 * time.Millisecond},
		DisableBrowse: true,
		Peers:         []kit.Peer{{Address: "10.0.0.2:7420", Name: "telematics"}},
	})
	rec := testutils.NewEventRecorder()
	c.AddListener(rec)
	s.Require().NoError(c.Init())
	defer c.Terminate()

	s.Require().NoError(c.SearchDevices())
	s.Require().Len(rec.WaitFor(adapter.EventSearchDone, 1, s.wait), 1)
	s.Equal([]string{"10.0.0.2:7420"}, c.DeviceList())
	s.Equal("telematics", c.DeviceName("10.0.0.2:7420"))
}

func TestNetlinkTestSuite(t *testing.T) {
	suite.Run(t, new(NetlinkTestSuite))
}

func TestDiscoverMergesBrowsedServices(t *testing.T) {
	// GOAL: Verify mDNS instances become peers with the applications from their TXT record
	//
	// TEST SCENARIO: static peer + three browsed instances (one duplicate, one without address) → two new peers

	opts := Options{Peers: []kit.Peer{{Address: "10.0.0.2:7420", Name: "static"}}}
	d := newDriver(&opts)
	d.browse = func(ctx context.Context, serviceType, domain string, found func(service)) error {
		assert.Equal(t, "_linkmgr._tcp", serviceType)
		assert.Equal(t, "local.", domain)
		found(service{Instance: "ecu", Port: 7420, Addrs: []net.IP{net.ParseIP("10.0.0.5")}, Text: []string{"apps=1, 4,x"}})
		found(service{Instance: "dup", Port: 7420, Addrs: []net.IP{net.ParseIP("10.0.0.2")}})
		found(service{Instance: "ghost", Port: 7420})
		found(service{Instance: "v6", Port: 9, Addrs: []net.IP{net.ParseIP("fe80::1")}})
		return nil
	}

	peers, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 3)
	assert.Equal(t, "static", peers[0].Name)
	assert.Equal(t, kit.Peer{Address: "10.0.0.5:7420", Name: "ecu", Apps: []transport.ApplicationHandle{1, 4}}, peers[1])
	assert.Equal(t, "[fe80::1]:9", peers[2].Address)
}

func TestDiscoverReportsBrowseFailure(t *testing.T) {
	d := newDriver(&Options{})
	d.browse = func(context.Context, string, string, func(service)) error {
		return errors.New("no multicast interface")
	}
	_, err := d.Discover(context.Background())
	assert.EqualError(t, err, "no multicast interface")
}

func TestListenAdvertises(t *testing.T) {
	// GOAL: Verify listening registers the bound port with the configured applications and withdraws it on stop
	//
	// TEST SCENARIO: listen with advertise → register(instance, port, apps=2,5) → cancel → shutdown called

	d := newDriver(&Options{
		Options:       kit.Options{Logger: testutils.NewTestHelper(t).Logger},
		ListenAddress: "127.0.0.1:0",
		Advertise:     true,
		Instance:      "head-unit",
		Apps:          []transport.ApplicationHandle{2, 5},
	})

	registered := make(chan []string, 1)
	withdrawn := make(chan struct{})
	d.register = func(instance, serviceType, domain string, port int, txt []string) (func(), error) {
		assert.Equal(t, "head-unit", instance)
		assert.NotZero(t, port)
		registered <- txt
		return func() { close(withdrawn) }, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Listen(ctx, func(in kit.Inbound) { _ = in.Conn.Close() }) }()

	select {
	case txt := <-registered:
		assert.Equal(t, []string{"apps=2,5"}, txt)
	case <-time.After(2 * time.Second):
		t.Fatal("listener MUST advertise itself")
	}

	cancel()
	require.NoError(t, <-done, "cancelling MUST stop listening cleanly")
	select {
	case <-withdrawn:
	case <-time.After(time.Second):
		t.Fatal("advertisement MUST be withdrawn")
	}
}

func TestDialSendsHello(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := newDriver(&Options{})
	conn, err := d.Dial(context.Background(), kit.Peer{Address: ln.Addr().String()}, 7)
	require.NoError(t, err)
	defer conn.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	var hello [helloSize]byte
	_, err = io.ReadFull(server, hello[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(hello[:]))
}

func TestParseApps(t *testing.T) {
	tests := []struct {
		name string
		txt  []string
		want []transport.ApplicationHandle
	}{
		{"absent", []string{"name=ecu"}, nil},
		{"single", []string{"apps=3"}, []transport.ApplicationHandle{3}},
		{"list with noise", []string{"v=1", "apps=1,x, 2"}, []transport.ApplicationHandle{1, 2}},
		{"no value", []string{"apps"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseApps(tt.txt))
		})
	}
	assert.Equal(t, "apps=1,2", formatApps([]transport.ApplicationHandle{1, 2}))
}
