package kit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmgr/internal/groutine"
	"github.com/srg/linkmgr/pkg/adapter"
	"github.com/srg/linkmgr/pkg/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Options tunes the shared adapter machinery. Zero fields take the tagged defaults.
type Options struct {
	Logger *logrus.Logger

	// PoolSize bounds concurrent dial, disconnect and search jobs.
	PoolSize int `default:"8"`
	// OutboxSize is the number of sends a link queues before rejecting.
	OutboxSize   int           `default:"64"`
	MaxFrameSize uint32        `default:"65536"`
	DialTimeout  time.Duration `default:"10s"`
	SearchWindow time.Duration `default:"3s"`
}

// Base implements adapter.Adapter over a Driver.
type Base struct {
	driver Driver
	opts   Options
	logger *logrus.Logger
	codec  *Codec
	owner  adapter.Adapter

	mu          sync.RWMutex
	initialised bool
	pool        *ants.Pool
	ctx         context.Context
	cancel      context.CancelFunc
	stopListen  context.CancelFunc
	loops       *groutine.Group

	sinksMu sync.RWMutex
	sinks   []adapter.Sink

	peersMu sync.RWMutex
	peers   *orderedmap.OrderedMap[string, Peer]

	links cmap.ConcurrentMap[string, *link]
}

var _ adapter.Adapter = (*Base)(nil)

// New wraps driver into an adapter.
func New(driver Driver, opts Options) *Base {
	defaults.SetDefaults(&opts)
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	b := &Base{
		driver: driver,
		opts:   opts,
		logger: logger,
		codec:  NewCodec(opts.MaxFrameSize),
		peers:  orderedmap.New[string, Peer](),
		links:  cmap.New[*link](),
		loops:  groutine.NewGroup(logger),
	}
	b.owner = b
	return b
}

// Bind sets the adapter value reported in events. Types embedding Base must
// bind themselves so the manager recognises their events.
func (b *Base) Bind(owner adapter.Adapter) {
	b.owner = owner
}

// Driver returns the wrapped driver.
func (b *Base) Driver() Driver {
	return b.driver
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

func (b *Base) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialised {
		return nil
	}

	if err := b.driver.Open(); err != nil {
		return fmt.Errorf("%w: open %s driver: %v", adapter.ErrFail, b.driver.ConnectionType(), err)
	}
	pool, err := ants.NewPool(b.opts.PoolSize,
		ants.WithNonblocking(true),
		ants.WithLogger(b.logger),
		ants.WithPanicHandler(func(p any) {
			b.logger.WithField("panic", p).Error("Adapter job panicked")
		}),
	)
	if err != nil {
		_ = b.driver.Close()
		return fmt.Errorf("%w: worker pool: %v", adapter.ErrFail, err)
	}

	b.pool = pool
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.initialised = true
	b.logger.WithField("adapter", b.driver.ConnectionType()).Debug("Adapter initialised")
	return nil
}

// Terminate stops listening, closes every link and releases the driver.
// Links closed here are reported as disconnect-done.
func (b *Base) Terminate() {
	b.mu.Lock()
	if !b.initialised {
		b.mu.Unlock()
		return
	}
	b.initialised = false
	if b.stopListen != nil {
		b.stopListen()
		b.stopListen = nil
	}
	b.cancel()
	pool := b.pool
	b.mu.Unlock()

	for _, l := range b.links.Items() {
		b.closeLink(l)
	}
	b.loops.Wait()

	if err := pool.ReleaseTimeout(b.opts.DialTimeout); err != nil {
		b.logger.WithError(err).Warn("Adapter jobs still running after terminate")
	}
	if err := b.driver.Close(); err != nil {
		b.logger.WithError(err).Warn("Failed to close driver")
	}
	b.logger.WithField("adapter", b.driver.ConnectionType()).Debug("Adapter terminated")
}

func (b *Base) IsInitialised() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialised
}

func (b *Base) DeviceType() transport.DeviceType {
	return b.driver.DeviceType()
}

func (b *Base) ConnectionType() string {
	return b.driver.ConnectionType()
}

func (b *Base) AddListener(sink adapter.Sink) {
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// ----------------------------------------------------------------------------
// Devices
// ----------------------------------------------------------------------------

// SearchDevices runs one discovery window in the background.
func (b *Base) SearchDevices() error {
	d, ok := b.driver.(Discoverer)
	if !ok {
		return adapter.ErrNotSupported
	}
	ctx, err := b.running()
	if err != nil {
		return err
	}

	return b.submit("search", func() {
		searchCtx, cancel := context.WithTimeout(ctx, b.opts.SearchWindow)
		defer cancel()

		peers, err := d.Discover(searchCtx)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.WithError(err).WithField("adapter", b.ConnectionType()).Warn("Device search failed")
			b.emit(adapter.NewEvent(adapter.EventSearchFail, b.owner, "", 0).WithError(err))
			return
		}
		if b.replacePeers(peers) {
			b.emit(adapter.NewEvent(adapter.EventDeviceListUpdated, b.owner, "", 0))
		}
		b.emit(adapter.NewEvent(adapter.EventSearchDone, b.owner, "", 0))
	})
}

func (b *Base) DeviceList() []string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	out := make([]string, 0, b.peers.Len())
	for pair := b.peers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (b *Base) DeviceName(address string) string {
	if p, ok := b.peer(address); ok {
		return p.Name
	}
	return ""
}

// AddPeer makes a peer known without discovery. It reports whether the device list changed.
func (b *Base) AddPeer(p Peer) bool {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	old, known := b.peers.Get(p.Address)
	b.peers.Set(p.Address, p)
	return !known || old.Name != p.Name
}

func (b *Base) peer(address string) (Peer, bool) {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	return b.peers.Get(address)
}

// replacePeers installs a discovery result. Peers with open links are kept.
func (b *Base) replacePeers(found []Peer) bool {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()

	next := orderedmap.New[string, Peer]()
	for _, p := range found {
		next.Set(p.Address, p)
	}
	for pair := b.peers.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := next.Get(pair.Key); !ok && b.hasLinks(pair.Key) {
			next.Set(pair.Key, pair.Value)
		}
	}

	changed := next.Len() != b.peers.Len()
	for pair := next.Oldest(); pair != nil && !changed; pair = pair.Next() {
		old, ok := b.peers.Get(pair.Key)
		changed = !ok || old.Name != pair.Value.Name
	}
	b.peers = next
	return changed
}

// ----------------------------------------------------------------------------
// Connections
// ----------------------------------------------------------------------------

// ConnectDevice dials every application of a known peer. Each dial completes
// with connect-done or connect-fail.
func (b *Base) ConnectDevice(address string) error {
	ctx, err := b.running()
	if err != nil {
		return err
	}
	p, ok := b.peer(address)
	if !ok {
		return fmt.Errorf("%w: unknown device %q", adapter.ErrFail, address)
	}

	for _, app := range p.Applications() {
		if b.links.Has(linkKey(address, app)) {
			continue
		}
		app := app
		if err := b.submit("dial", func() { b.dial(ctx, p, app) }); err != nil {
			return err
		}
	}
	return nil
}

func (b *Base) dial(ctx context.Context, p Peer, app transport.ApplicationHandle) {
	log := b.logger.WithFields(logrus.Fields{
		"adapter": b.ConnectionType(),
		"address": p.Address,
		"app":     app,
	})

	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	defer cancel()

	conn, err := b.driver.Dial(dialCtx, p, app)
	if err != nil {
		log.WithError(err).Warn("Dial failed")
		b.emit(adapter.NewEvent(adapter.EventConnectFail, b.owner, p.Address, app).WithError(err))
		return
	}
	if !b.attach(newLink(p.Address, app, conn, b.opts.OutboxSize)) {
		log.Debug("Application already connected, dropping duplicate link")
		_ = conn.Close()
		return
	}
	log.Info("Link established")
}

// attach registers a link, reports it and starts its loops.
func (b *Base) attach(l *link) bool {
	ctx, err := b.running()
	if err != nil {
		return false
	}
	if !b.links.SetIfAbsent(l.key(), l) {
		return false
	}
	b.emit(adapter.NewEvent(adapter.EventConnectDone, b.owner, l.address, l.app))

	l.loops.Add(2)
	b.loops.Go(ctx, "link-reader-"+l.key(), func(context.Context) {
		defer l.loops.Done()
		b.readLoop(l)
	})
	b.loops.Go(ctx, "link-writer-"+l.key(), func(context.Context) {
		defer l.loops.Done()
		b.writeLoop(l)
	})
	return true
}

func (b *Base) DisconnectDevice(address string) error {
	if _, err := b.running(); err != nil {
		return err
	}
	var targets []*link
	for _, l := range b.links.Items() {
		if l.address == address {
			targets = append(targets, l)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no links to %q", adapter.ErrBadState, address)
	}
	for _, l := range targets {
		l := l
		if err := b.submit("disconnect", func() { b.closeLink(l) }); err != nil {
			return err
		}
	}
	return nil
}

func (b *Base) Disconnect(address string, app transport.ApplicationHandle) error {
	if _, err := b.running(); err != nil {
		return err
	}
	l, ok := b.links.Get(linkKey(address, app))
	if !ok {
		return fmt.Errorf("%w: no link to %q app %d", adapter.ErrBadState, address, app)
	}
	return b.submit("disconnect", func() { b.closeLink(l) })
}

// closeLink performs a local disconnect and reports its outcome once.
func (b *Base) closeLink(l *link) {
	if !l.closing.CompareAndSwap(false, true) {
		return
	}
	err := l.shutdown()
	l.loops.Wait()
	b.links.RemoveCb(l.key(), func(_ string, cur *link, exists bool) bool {
		return exists && cur == l
	})

	log := b.logger.WithFields(logrus.Fields{"address": l.address, "app": l.app})
	if err != nil {
		log.WithError(err).Warn("Link close failed")
		b.emit(adapter.NewEvent(adapter.EventDisconnectFail, b.owner, l.address, l.app).WithError(err))
		return
	}
	log.Debug("Link closed")
	b.emit(adapter.NewEvent(adapter.EventDisconnectDone, b.owner, l.address, l.app))
}

// RemoveFinalizedConnection drops any trace of a link the manager has finalised.
func (b *Base) RemoveFinalizedConnection(address string, app transport.ApplicationHandle) {
	if l, ok := b.links.Pop(linkKey(address, app)); ok {
		l.closing.Store(true)
		_ = l.shutdown()
	}
}

func (b *Base) hasLinks(address string) bool {
	for _, l := range b.links.Items() {
		if l.address == address {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Data
// ----------------------------------------------------------------------------

// SendData queues msg on the link's outbox. Completion is reported as send-done or send-fail.
func (b *Base) SendData(address string, app transport.ApplicationHandle, msg *transport.RawMessage) error {
	if _, err := b.running(); err != nil {
		return err
	}
	l, ok := b.links.Get(linkKey(address, app))
	if !ok {
		return fmt.Errorf("%w: no link to %q app %d", adapter.ErrBadState, address, app)
	}
	if err := l.enqueue(msg); err != nil {
		if errors.Is(err, ErrLinkClosed) {
			return fmt.Errorf("%w: %v", adapter.ErrBadState, err)
		}
		return fmt.Errorf("%w: %v", adapter.ErrFail, err)
	}
	return nil
}

func (b *Base) readLoop(l *link) {
	for {
		msg, err := b.codec.ReadFrame(l.conn)
		if err == nil {
			b.emit(adapter.NewEvent(adapter.EventReceivedDone, b.owner, l.address, l.app).WithMessage(msg))
			continue
		}
		if Recoverable(err) {
			b.emit(adapter.NewEvent(adapter.EventReceivedFail, b.owner, l.address, l.app).WithError(err))
			continue
		}
		if l.closing.Load() {
			return
		}
		b.lost(l, err)
		return
	}
}

// lost handles a link that failed without a local disconnect.
func (b *Base) lost(l *link, cause error) {
	if !l.closing.CompareAndSwap(false, true) {
		return
	}
	_ = l.shutdown()
	b.logger.WithError(cause).WithFields(logrus.Fields{
		"address": l.address,
		"app":     l.app,
	}).Warn("Link lost")
	b.emit(adapter.NewEvent(adapter.EventUnexpectedDisconnect, b.owner, l.address, l.app).WithError(cause))
}

func (b *Base) writeLoop(l *link) {
	for {
		select {
		case msg := <-l.outbox:
			if err := b.codec.WriteFrame(l.conn, msg); err != nil {
				b.emit(adapter.NewEvent(adapter.EventSendFail, b.owner, l.address, l.app).WithMessage(msg).WithError(err))
				continue
			}
			b.emit(adapter.NewEvent(adapter.EventSendDone, b.owner, l.address, l.app).WithMessage(msg))
		case <-l.done:
			for {
				select {
				case msg := <-l.outbox:
					b.emit(adapter.NewEvent(adapter.EventSendFail, b.owner, l.address, l.app).WithMessage(msg).WithError(ErrLinkClosed))
				default:
					return
				}
			}
		}
	}
}

// ----------------------------------------------------------------------------
// Client listening
// ----------------------------------------------------------------------------

func (b *Base) StartClientListening() error {
	acc, ok := b.driver.(Acceptor)
	if !ok {
		return adapter.ErrNotSupported
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialised {
		return adapter.ErrBadState
	}
	if b.stopListen != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(b.ctx)
	b.stopListen = cancel
	b.loops.Go(ctx, "adapter-listen-"+b.driver.ConnectionType(), func(ctx context.Context) {
		if err := acc.Listen(ctx, b.accept); err != nil && ctx.Err() == nil {
			b.logger.WithError(err).WithField("adapter", b.ConnectionType()).Error("Listening stopped")
			b.emit(adapter.NewEvent(adapter.EventCommunicationError, b.owner, "", 0).WithError(err))
		}
	})
	return nil
}

func (b *Base) StopClientListening() error {
	if _, ok := b.driver.(Acceptor); !ok {
		return adapter.ErrNotSupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopListen != nil {
		b.stopListen()
		b.stopListen = nil
	}
	return nil
}

// accept adopts an inbound link: the peer is added to the device list first so
// the manager knows the device when the connection is reported.
func (b *Base) accept(in Inbound) {
	if b.AddPeer(in.Peer) {
		b.emit(adapter.NewEvent(adapter.EventDeviceListUpdated, b.owner, "", 0))
	}
	if !b.attach(newLink(in.Peer.Address, in.App, in.Conn, b.opts.OutboxSize)) {
		b.logger.WithFields(logrus.Fields{
			"address": in.Peer.Address,
			"app":     in.App,
		}).Warn("Rejecting inbound link")
		_ = in.Conn.Close()
	}
}

// ----------------------------------------------------------------------------
// Internal
// ----------------------------------------------------------------------------

func (b *Base) running() (context.Context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialised {
		return nil, fmt.Errorf("%w: %s adapter not initialised", adapter.ErrBadState, b.driver.ConnectionType())
	}
	return b.ctx, nil
}

func (b *Base) submit(job string, fn func()) error {
	b.mu.RLock()
	pool := b.pool
	b.mu.RUnlock()
	if err := pool.Submit(fn); err != nil {
		b.logger.WithError(err).WithField("job", job).Warn("Adapter job rejected")
		return fmt.Errorf("%w: %s: %v", adapter.ErrFail, job, err)
	}
	return nil
}

func (b *Base) emit(ev adapter.Event) {
	b.sinksMu.RLock()
	sinks := append([]adapter.Sink(nil), b.sinks...)
	b.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.ReceiveEventFromDevice(ev); err != nil {
			b.logger.WithError(err).WithField("event", ev.Kind.String()).Debug("Event not accepted")
		}
	}
}
