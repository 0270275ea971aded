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

package tcp

import (
	"encoding/gob"
	"net"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

type frameKind uint8

const (
	frameHello frameKind = iota
	frameWelcome
	framePayload
	frameAck
)

// frame is the gob wire unit. Hello/welcome establish a link, payload
// carries one transport.Message, ack returns one window credit for the
// given tag.
type frame struct {
	Kind    frameKind
	Session string
	Window  int

	From, To transport.Rank
	Tag      transport.Tag
	Mb       int
	Version  int64
	Ctrl     transport.ControlKind
	Note     string

	// Payload tensor, flattened. OrigDType is set when the sender
	// re-encoded the values to a narrower wire dtype.
	DType     shapes.DType
	OrigDType shapes.DType
	Dims      []int
	Data      []byte
}

func payloadFrame(msg transport.Message, wireDType shapes.DType) frame {
	f := frame{
		Kind:    framePayload,
		From:    msg.From,
		To:      msg.To,
		Tag:     msg.Tag,
		Mb:      msg.Mb,
		Version: msg.Version,
		Ctrl:    msg.Ctrl,
		Note:    msg.Note,
	}
	if msg.Payload == nil {
		return f
	}
	payload := msg.Payload
	if wireDType.IsSupported() && wireDType != payload.DType() && payload.DType().IsFloat() {
		f.OrigDType = payload.DType()
		payload = payload.ConvertTo(wireDType)
	}
	f.DType = payload.DType()
	f.Dims = payload.Shape().Dimensions
	payload.ConstBytes(func(data []byte) {
		f.Data = make([]byte, len(data))
		copy(f.Data, data)
	})
	return f
}

func (f frame) message() (transport.Message, error) {
	msg := transport.Message{
		From:    f.From,
		To:      f.To,
		Tag:     f.Tag,
		Mb:      f.Mb,
		Version: f.Version,
		Ctrl:    f.Ctrl,
		Note:    f.Note,
	}
	if !f.DType.IsSupported() {
		return msg, nil
	}
	shape := shapes.Make(f.DType, f.Dims...)
	if uintptr(len(f.Data)) != shape.Memory() {
		return msg, errors.Errorf("payload frame for mb=%d has %d bytes, shape %s requires %d",
			f.Mb, len(f.Data), shape, shape.Memory())
	}
	payload := tensors.FromShape(shape)
	payload.MutableBytes(func(data []byte) {
		copy(data, f.Data)
	})
	if f.OrigDType.IsSupported() {
		payload = payload.ConvertTo(f.OrigDType)
	}
	msg.Payload = payload
	return msg, nil
}

// link is one established connection to a peer, with its encoder/decoder
// pumps. Outgoing frames of any kind are serialized through the out channel,
// preserving per-tag FIFO order.
//
// The gob encoder and decoder are created once per connection and shared
// between the handshake and the pumps: a gob stream sends its type
// definitions once, so encoder and decoder must pair up for the whole
// connection lifetime.
type link struct {
	t    *Transport
	peer transport.Rank
	conn net.Conn
	out  chan frame

	encoder *gob.Encoder
	decoder *gob.Decoder
}

func newLink(t *Transport, peer transport.Rank, conn net.Conn) *link {
	return &link{
		t:       t,
		peer:    peer,
		conn:    conn,
		out:     make(chan frame, 2*t.config.Window+4),
		encoder: gob.NewEncoder(conn),
		decoder: gob.NewDecoder(conn),
	}
}

// start launches the pumps, after the handshake is done.
func (l *link) start() {
	go l.writePump()
	go l.readPump()
}

// enqueue hands a frame to the write pump. It blocks only if the pump's
// buffer is full, which the credit window prevents for payloads.
func (l *link) enqueue(f frame) error {
	select {
	case l.out <- f:
		return nil
	case <-l.t.closed.WaitChan():
		return l.t.closedErr("send to rank %d", l.peer)
	}
}

func (l *link) writePump() {
	for {
		select {
		case f := <-l.out:
			if err := l.encoder.Encode(f); err != nil {
				l.fail(errors.Wrapf(err, "writing frame to rank %d", l.peer))
				return
			}
		case <-l.t.closed.WaitChan():
			return
		}
	}
}

func (l *link) readPump() {
	for {
		var f frame
		if err := l.decoder.Decode(&f); err != nil {
			l.fail(errors.Wrapf(err, "reading frame from rank %d", l.peer))
			return
		}
		switch f.Kind {
		case framePayload:
			msg, err := f.message()
			if err != nil {
				l.fail(err)
				return
			}
			queue := l.t.deliveryQueue(l.peer, f.Tag)
			select {
			case queue <- msg:
			case <-l.t.closed.WaitChan():
				return
			}
		case frameAck:
			// Returns one send credit for the acknowledged tag.
			l.t.sendCredits(l.peer, f.Tag) <- struct{}{}
		default:
			l.fail(errors.Errorf("unexpected frame kind %d from rank %d mid-session", f.Kind, l.peer))
			return
		}
	}
}

// fail records the first transport failure and brings the endpoint down.
// A failure after close is the expected connection teardown and is ignored.
func (l *link) fail(err error) {
	if l.t.closed.Test() {
		klog.V(1).Infof("rank %d: link to rank %d closed: %v", l.t.config.Rank, l.peer, err)
		return
	}
	klog.Warningf("rank %d: link to rank %d failed: %v", l.t.config.Rank, l.peer, err)
	l.t.failure.Trigger(err)
	l.t.closed.Trigger()
}
