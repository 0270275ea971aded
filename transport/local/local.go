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

// Package local implements transport.Transport for stages running within the
// same process.
//
// Each (sender, receiver, tag) channel is a Go channel with capacity equal
// to the window, which gives FIFO ordering and send backpressure directly.
package local

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/types/xsync"
)

type channelKey struct {
	from, to transport.Rank
	tag      transport.Tag
}

// Fabric connects the stages of one in-process pipeline. Create it with
// NewFabric and hand each stage its endpoint with Fabric.Endpoint.
type Fabric struct {
	numStages int
	window    int

	channels  xsync.SyncMap[channelKey, chan transport.Message]
	endpoints xsync.SyncMap[transport.Rank, *Endpoint]
	closed    *xsync.Latch
}

// NewFabric returns a Fabric connecting numStages stages, with per-channel
// send windows of the given size.
func NewFabric(numStages, window int) *Fabric {
	if numStages < 1 {
		exceptions.Panicf("local.NewFabric(): numStages must be >= 1, got %d", numStages)
	}
	if window < 1 {
		exceptions.Panicf("local.NewFabric(): window must be >= 1, got %d", window)
	}
	return &Fabric{
		numStages: numStages,
		window:    window,
		closed:    xsync.NewLatch(),
	}
}

// NumStages returns the number of stages the fabric connects.
func (f *Fabric) NumStages() int { return f.numStages }

// Window returns the per-channel send window.
func (f *Fabric) Window() int { return f.window }

// Close unblocks all pending Send and Recv calls on every endpoint.
// Messages still queued are abandoned.
func (f *Fabric) Close() error {
	f.closed.Trigger()
	return nil
}

// Endpoint returns the transport endpoint for the given stage. Calling it
// repeatedly for the same rank returns the same endpoint.
func (f *Fabric) Endpoint(rank transport.Rank) *Endpoint {
	f.checkRank(rank)
	endpoint, _ := f.endpoints.LoadOrStore(rank, &Endpoint{fabric: f, rank: rank})
	return endpoint
}

func (f *Fabric) checkRank(rank transport.Rank) {
	if rank < 0 || int(rank) >= f.numStages {
		exceptions.Panicf("local fabric has stages 0..%d, got rank %d", f.numStages-1, rank)
	}
}

func (f *Fabric) chanFor(key channelKey) chan transport.Message {
	ch, _ := f.channels.LoadOrStore(key, make(chan transport.Message, f.window))
	return ch
}

// Endpoint implements transport.Transport for one stage of the fabric.
type Endpoint struct {
	fabric *Fabric
	rank   transport.Rank
	stats  transport.Stats
}

var _ transport.Transport = (*Endpoint)(nil)

// Rank implements transport.Transport.
func (e *Endpoint) Rank() transport.Rank { return e.rank }

// Stats implements transport.Transport.
func (e *Endpoint) Stats() *transport.Stats { return &e.stats }

// Send implements transport.Transport: it blocks while the channel to
// msg.To/msg.Tag has window outstanding messages.
func (e *Endpoint) Send(msg transport.Message) error {
	if msg.From != e.rank {
		exceptions.Panicf("endpoint of rank %d cannot send a message from rank %d", e.rank, msg.From)
	}
	e.fabric.checkRank(msg.To)
	ch := e.fabric.chanFor(channelKey{from: msg.From, to: msg.To, tag: msg.Tag})
	select {
	case ch <- msg:
		e.stats.CountSend(msg)
		return nil
	case <-e.fabric.closed.WaitChan():
		return errors.Wrapf(transport.ErrClosed, "send of %s", msg)
	}
}

// Recv implements transport.Transport: it blocks until a message from the
// given peer and tag is available.
func (e *Endpoint) Recv(from transport.Rank, tag transport.Tag) (transport.Message, error) {
	e.fabric.checkRank(from)
	ch := e.fabric.chanFor(channelKey{from: from, to: e.rank, tag: tag})
	select {
	case msg := <-ch:
		e.stats.CountRecv(msg)
		return msg, nil
	case <-e.fabric.closed.WaitChan():
		return transport.Message{}, errors.Wrapf(transport.ErrClosed, "recv from rank %d, tag %s", from, tag)
	}
}

// Close implements transport.Transport. Since the endpoints share the
// fabric's channels, closing one endpoint closes the whole fabric.
func (e *Endpoint) Close() error {
	return e.fabric.Close()
}
