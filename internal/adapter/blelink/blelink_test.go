package blelink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/internal/testutils"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	sensorAddr = "aa:bb:cc:dd:ee:01"
	beaconAddr = "aa:bb:cc:dd:ee:02"
)

type fakeCentral struct {
	adverts    []advert
	connectErr error
	periph     *fakePeripheral
	stopped    bool
}

func (c *fakeCentral) Scan(ctx context.Context, handler func(advert)) error {
	for _, a := range c.adverts {
		handler(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeCentral) Connect(_ context.Context, address string) (peripheral, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.periph.address = address
	return c.periph, nil
}

func (c *fakeCentral) Stop() error {
	c.stopped = true
	return nil
}

type fakePeripheral struct {
	address string
	chunk   int

	mu      sync.Mutex
	handler func([]byte)
	writes  [][]byte
	closed  bool
	lost    chan struct{}
}

func newFakePeripheral(chunk int) *fakePeripheral {
	return &fakePeripheral{chunk: chunk, lost: make(chan struct{})}
}

func (p *fakePeripheral) Subscribe(handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
	return nil
}

func (p *fakePeripheral) Write(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), chunk...))
	return nil
}

func (p *fakePeripheral) MaxChunk() int                 { return p.chunk }
func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.lost }

func (p *fakePeripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// notify delivers data as the stack would, in notifications of at most size bytes.
func (p *fakePeripheral) notify(data []byte, size int) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	for len(data) > 0 {
		n := min(size, len(data))
		h(data[:n])
		data = data[n:]
	}
}

func (p *fakePeripheral) written() ([][]byte, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes, bytes.Join(p.writes, nil)
}

type BLETestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	wait   time.Duration

	radio  *fakeCentral
	periph *fakePeripheral
	ble    *Adapter
	rec    *testutils.EventRecorder
	codec  *kit.Codec
}

func (s *BLETestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.wait = 2 * time.Second
	s.codec = kit.NewCodec(0)

	s.periph = newFakePeripheral(20)
	s.radio = &fakeCentral{
		periph: s.periph,
		adverts: []advert{
			{Address: sensorAddr, Services: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}},
			{Address: beaconAddr, Name: "beacon", Services: []string{"180f"}},
			{Address: sensorAddr, Name: "Tire sensor", Services: []string{NUSService}},
		},
	}

	s.ble = New(Options{
		Options:  kit.Options{Logger: s.helper.Logger, SearchWindow: 30 * time.Millisecond},
		RingSize: 128,
	})
	s.ble.drv.newCentral = func() (central, error) { return s.radio, nil }
	s.rec = testutils.NewEventRecorder()
	s.ble.AddListener(s.rec)
	s.Require().NoError(s.ble.Init())
}

func (s *BLETestSuite) TearDownTest() {
	s.ble.Terminate()
}

func (s *BLETestSuite) connect() {
	s.Require().NoError(s.ble.SearchDevices())
	s.Require().Len(s.rec.WaitFor(adapter.EventSearchDone, 1, s.wait), 1)
	s.Require().NoError(s.ble.ConnectDevice(sensorAddr))
	s.Require().Len(s.rec.WaitFor(adapter.EventConnectDone, 1, s.wait), 1)
}

func (s *BLETestSuite) TestScanKeepsUARTPeripherals() {
	// GOAL: Verify search lists only peripherals advertising the UART service, named by their latest advert
	//
	// TEST SCENARIO: adverts from sensor (twice, upper-case uuid then named) and beacon → one device "Tire sensor"

	s.Require().NoError(s.ble.SearchDevices())
	s.Require().Len(s.rec.WaitFor(adapter.EventSearchDone, 1, s.wait), 1)

	s.Equal([]string{sensorAddr}, s.ble.DeviceList())
	s.Equal("Tire sensor", s.ble.DeviceName(sensorAddr))
}

func (s *BLETestSuite) TestWritesAreChunked() {
	// GOAL: Verify an outgoing frame is split into writes no larger than the negotiated chunk
	//
	// TEST SCENARIO: connect → send 100-byte payload → every write ≤ 20 bytes → joined writes decode to the message

	s.connect()
	payload := bytes.Repeat([]byte{0xA5}, 100)
	s.Require().NoError(s.ble.SendData(sensorAddr, kit.DefaultApplication, transport.NewRawMessage(1, 1, payload)))
	s.Require().Len(s.rec.WaitFor(adapter.EventSendDone, 1, s.wait), 1)

	writes, joined := s.periph.written()
	s.Greater(len(writes), 1)
	for _, w := range writes {
		s.LessOrEqual(len(w), 20, "a write MUST NOT exceed the chunk size")
	}
	msg, err := s.codec.ReadFrame(bytes.NewReader(joined))
	s.Require().NoError(err)
	s.Equal(payload, msg.Data)
}

func (s *BLETestSuite) TestNotificationsAreReassembled() {
	s.connect()

	frame, err := s.codec.Encode(transport.NewRawMessage(0, 2, []byte("pressure=2.4bar")))
	s.Require().NoError(err)
	s.periph.notify(frame, 7)

	recv := s.rec.WaitFor(adapter.EventReceivedDone, 1, s.wait)
	s.Require().Len(recv, 1)
	s.Equal([]byte("pressure=2.4bar"), recv[0].Message.Data)
}

func (s *BLETestSuite) TestPeripheralLossIsUnexpected() {
	s.connect()

	close(s.periph.lost)
	lost := s.rec.WaitFor(adapter.EventUnexpectedDisconnect, 1, s.wait)
	s.Require().Len(lost, 1)
	s.ErrorIs(lost[0].Err, ErrDisconnected)
}

func (s *BLETestSuite) TestOverflowBreaksTheLink() {
	s.connect()

	// one oversized burst cannot fit the 128-byte ring
	s.periph.notify(make([]byte, 512), 512)
	lost := s.rec.WaitFor(adapter.EventUnexpectedDisconnect, 1, s.wait)
	s.Require().Len(lost, 1)
	s.ErrorIs(lost[0].Err, ErrOverflow)
}

func (s *BLETestSuite) TestDisconnectCancelsConnection() {
	s.connect()

	s.Require().NoError(s.ble.DisconnectDevice(sensorAddr))
	s.Require().Len(s.rec.WaitFor(adapter.EventDisconnectDone, 1, s.wait), 1)
	s.periph.mu.Lock()
	s.True(s.periph.closed, "disconnect MUST cancel the BLE connection")
	s.periph.mu.Unlock()
}

func (s *BLETestSuite) TestConnectFailure() {
	s.radio.connectErr = errors.New("connection timed out")
	s.Require().NoError(s.ble.SearchDevices())
	s.Require().Len(s.rec.WaitFor(adapter.EventSearchDone, 1, s.wait), 1)

	s.Require().NoError(s.ble.ConnectDevice(sensorAddr))
	failed := s.rec.WaitFor(adapter.EventConnectFail, 1, s.wait)
	s.Require().Len(failed, 1)
	s.EqualError(failed[0].Err, "connection timed out")
}

func (s *BLETestSuite) TestTerminateStopsRadio() {
	s.ble.Terminate()
	s.True(s.radio.stopped)
}

func TestBLETestSuite(t *testing.T) {
	suite.Run(t, new(BLETestSuite))
}

func TestInitFailsWithoutRadio(t *testing.T) {
	a := New(Options{Options: kit.Options{Logger: testutils.NewTestHelper(t).Logger}})
	a.drv.newCentral = func() (central, error) {
		return nil, normalizeError(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))
	}

	err := a.Init()
	assert.ErrorIs(t, err, adapter.ErrFail)
	assert.ErrorContains(t, err, ErrBluetoothOff.Error())
	assert.False(t, a.IsInitialised())
}
