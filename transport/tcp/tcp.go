/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tcp implements transport.Transport over TCP connections, for
// pipeline stages running on separate nodes.
//
// Messages are gob frames. The send window is enforced with explicit
// credits: a payload consumes one credit of its (peer, tag) channel and the
// receiver returns the credit with an ack frame once the message is consumed
// by a Recv call. TCP's own buffering is never relied on for backpressure --
// the window must bound the number of payloads held by the receiving process,
// not the number in the kernel's socket buffers. Control frames bypass
// credits, so an abort notification cannot be stuck behind a full window.
//
// Optionally, float payloads can be re-encoded to a narrower dtype on the
// wire (typically Float16), trading precision for bandwidth.
package tcp

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/xsync"
)

// Config for a TCP transport endpoint.
type Config struct {
	// Rank of this stage.
	Rank transport.Rank

	// ListenAddr is the address other stages reach this one at, e.g.
	// ":7201". Required if any peer has a lower rank.
	ListenAddr string

	// Listener, if set, is used instead of listening on ListenAddr. Useful
	// to grab an ephemeral port before the peers are configured.
	Listener net.Listener

	// Peers maps the rank of every peer this stage talks to into its
	// address. By convention the lower rank dials the higher one.
	Peers map[transport.Rank]string

	// Window is the per-channel number of outstanding payloads. Required,
	// must match across peers.
	Window int

	// WireDType, if set, re-encodes float payloads to this dtype on the
	// wire. Typically shapes.Float16. The receiver restores the original
	// dtype (with the precision loss of the narrower encoding).
	WireDType shapes.DType

	// SetupTimeout bounds listening and dialing until all peer links are
	// established. Defaults to 30 seconds.
	SetupTimeout time.Duration
}

type chanKey struct {
	peer transport.Rank
	tag  transport.Tag
}

// Transport implements transport.Transport over TCP. Create it with New.
type Transport struct {
	config   Config
	session  string
	listener net.Listener

	links   xsync.SyncMap[transport.Rank, *link]
	queues  xsync.SyncMap[chanKey, chan transport.Message]
	credits xsync.SyncMap[chanKey, chan struct{}]

	closed  *xsync.Latch
	failure *xsync.LatchWithValue[error]
	stats   transport.Stats
}

var _ transport.Transport = (*Transport)(nil)

// New creates the endpoint for the given stage and establishes the links to
// all configured peers: it dials peers of higher rank and accepts the
// connection from peers of lower rank. It returns once every link is up, or
// with an error after Config.SetupTimeout.
func New(config Config) (*Transport, error) {
	if config.Window < 1 {
		return nil, errors.Errorf("tcp.New(): window must be >= 1, got %d", config.Window)
	}
	if _, found := config.Peers[config.Rank]; found {
		return nil, errors.Errorf("tcp.New(): rank %d lists itself as a peer", config.Rank)
	}
	if config.SetupTimeout == 0 {
		config.SetupTimeout = 30 * time.Second
	}
	t := &Transport{
		config:  config,
		session: uuid.NewString(),
		closed:  xsync.NewLatch(),
		failure: xsync.NewLatchWithValue[error](),
	}

	deadline := time.Now().Add(config.SetupTimeout)
	numInbound := 0
	for peer := range config.Peers {
		if peer < config.Rank {
			numInbound++
		}
	}
	if numInbound > 0 {
		if config.Listener != nil {
			t.listener = config.Listener
		} else {
			listener, err := net.Listen("tcp", config.ListenAddr)
			if err != nil {
				return nil, errors.Wrapf(err, "tcp.New(): rank %d failed to listen on %q", config.Rank, config.ListenAddr)
			}
			t.listener = listener
		}
	}

	setupErrs := make(chan error, numInbound+len(config.Peers))
	go t.acceptLoop(numInbound, deadline, setupErrs)
	numOutbound := 0
	for peer, addr := range config.Peers {
		if peer <= config.Rank {
			continue
		}
		numOutbound++
		go func(peer transport.Rank, addr string) {
			setupErrs <- t.dial(peer, addr, deadline)
		}(peer, addr)
	}

	for ii := 0; ii < numInbound+numOutbound; ii++ {
		if err := <-setupErrs; err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	klog.V(1).Infof("rank %d: transport up, session %s, %d peer link(s)",
		config.Rank, t.session, numInbound+numOutbound)
	return t, nil
}

// Addr returns the address the endpoint is listening on, or nil if it has no
// inbound peers. Useful with a ":0" ListenAddr.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) dial(peer transport.Rank, addr string, deadline time.Time) error {
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", addr, time.Until(deadline))
		if err == nil {
			break
		}
		// The peer process may simply not be listening yet.
		if time.Now().After(deadline) || t.closed.Test() {
			return errors.Wrapf(err, "rank %d failed to dial rank %d at %q", t.config.Rank, peer, addr)
		}
		time.Sleep(100 * time.Millisecond)
	}

	l := newLink(t, peer, conn)
	_ = conn.SetDeadline(deadline)
	if err = l.encoder.Encode(frame{Kind: frameHello, Session: t.session, From: t.config.Rank, Window: t.config.Window}); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "rank %d handshake with rank %d", t.config.Rank, peer)
	}
	var welcome frame
	if err = l.decoder.Decode(&welcome); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "rank %d handshake with rank %d", t.config.Rank, peer)
	}
	if err = t.checkHandshake(welcome, frameWelcome, peer); err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	t.registerLink(peer, l)
	return nil
}

func (t *Transport) acceptLoop(numInbound int, deadline time.Time, setupErrs chan<- error) {
	for ii := 0; ii < numInbound; ii++ {
		setupErrs <- t.acceptOne(deadline)
	}
	if t.listener != nil {
		// All expected peers are connected.
		_ = t.listener.Close()
	}
}

func (t *Transport) acceptOne(deadline time.Time) error {
	if dl, ok := t.listener.(*net.TCPListener); ok {
		_ = dl.SetDeadline(deadline)
	}
	conn, err := t.listener.Accept()
	if err != nil {
		return errors.Wrapf(err, "rank %d accepting peer connection", t.config.Rank)
	}
	l := newLink(t, -1, conn)
	_ = conn.SetDeadline(deadline)
	var hello frame
	if err = l.decoder.Decode(&hello); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "rank %d reading peer hello", t.config.Rank)
	}
	if err = t.checkHandshake(hello, frameHello, -1); err != nil {
		_ = conn.Close()
		return err
	}
	if err = l.encoder.Encode(frame{Kind: frameWelcome, Session: hello.Session, From: t.config.Rank, Window: t.config.Window}); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "rank %d welcoming rank %d", t.config.Rank, hello.From)
	}
	_ = conn.SetDeadline(time.Time{})
	l.peer = hello.From
	t.registerLink(hello.From, l)
	return nil
}

func (t *Transport) checkHandshake(f frame, wantKind frameKind, wantFrom transport.Rank) error {
	if f.Kind != wantKind {
		return errors.Errorf("rank %d handshake: unexpected frame kind %d", t.config.Rank, f.Kind)
	}
	if wantFrom >= 0 && f.From != wantFrom {
		return errors.Errorf("rank %d handshake: expected peer rank %d, got %d", t.config.Rank, wantFrom, f.From)
	}
	if _, known := t.config.Peers[f.From]; wantFrom < 0 && !known {
		return errors.Errorf("rank %d handshake: rank %d is not a configured peer", t.config.Rank, f.From)
	}
	if f.Window != t.config.Window {
		return errors.Errorf("rank %d handshake with rank %d: window mismatch, ours %d vs theirs %d",
			t.config.Rank, f.From, t.config.Window, f.Window)
	}
	return nil
}

func (t *Transport) registerLink(peer transport.Rank, l *link) {
	t.links.Store(peer, l)
	l.start()
	klog.V(1).Infof("rank %d: link to rank %d established (session %s)", t.config.Rank, peer, t.session)
}

// Rank implements transport.Transport.
func (t *Transport) Rank() transport.Rank { return t.config.Rank }

// Stats implements transport.Transport.
func (t *Transport) Stats() *transport.Stats { return &t.stats }

// Send implements transport.Transport. Payloads block while the (peer, tag)
// channel is out of window credits; control messages don't.
func (t *Transport) Send(msg transport.Message) error {
	l, found := t.links.Load(msg.To)
	if !found {
		return errors.Errorf("rank %d has no link to rank %d", t.config.Rank, msg.To)
	}
	if msg.Tag != transport.TagControl {
		select {
		case <-t.sendCredits(msg.To, msg.Tag):
		case <-t.closed.WaitChan():
			return t.closedErr("send of %s", msg)
		}
	}
	if err := l.enqueue(payloadFrame(msg, t.config.WireDType)); err != nil {
		return err
	}
	t.stats.CountSend(msg)
	return nil
}

// Recv implements transport.Transport. Consuming a payload returns its
// window credit to the sender.
func (t *Transport) Recv(from transport.Rank, tag transport.Tag) (transport.Message, error) {
	select {
	case msg := <-t.deliveryQueue(from, tag):
		t.stats.CountRecv(msg)
		if tag != transport.TagControl {
			if l, found := t.links.Load(from); found {
				_ = l.enqueue(frame{Kind: frameAck, From: t.config.Rank, To: from, Tag: tag})
			}
		}
		return msg, nil
	case <-t.closed.WaitChan():
		return transport.Message{}, t.closedErr("recv from rank %d, tag %s", from, tag)
	}
}

// Close implements transport.Transport: it tears down all links and unblocks
// pending Send/Recv calls.
func (t *Transport) Close() error {
	t.closed.Trigger()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.links.Range(func(_ transport.Rank, l *link) bool {
		_ = l.conn.Close()
		return true
	})
	return nil
}

func (t *Transport) closedErr(format string, args ...any) error {
	if t.failure.Test() {
		return errors.WithMessagef(t.failure.Value(), format, args...)
	}
	return errors.Wrapf(transport.ErrClosed, format, args...)
}

func (t *Transport) deliveryQueue(peer transport.Rank, tag transport.Tag) chan transport.Message {
	key := chanKey{peer: peer, tag: tag}
	if ch, found := t.queues.Load(key); found {
		return ch
	}
	ch, _ := t.queues.LoadOrStore(key, make(chan transport.Message, t.config.Window+1))
	return ch
}

func (t *Transport) sendCredits(peer transport.Rank, tag transport.Tag) chan struct{} {
	key := chanKey{peer: peer, tag: tag}
	if ch, found := t.credits.Load(key); found {
		return ch
	}
	ch := make(chan struct{}, t.config.Window)
	for ii := 0; ii < t.config.Window; ii++ {
		ch <- struct{}{}
	}
	actual, _ := t.credits.LoadOrStore(key, ch)
	return actual
}
