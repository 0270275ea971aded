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

// Package transport defines how tensor payloads move between adjacent
// pipeline stages: activations flowing to the next stage, gradients flowing
// to the previous one, and control messages.
//
// A logical channel is identified by (sender, receiver, tag). Messages on the
// same channel are delivered in FIFO order; there is no ordering guarantee
// across channels. Each channel admits at most `window` outstanding payloads:
// a Send beyond that blocks until the receiver consumes, which is what bounds
// both memory use and gradient staleness.
//
// Two implementations are provided: transport/local connects stages within
// one process (channels), and transport/tcp connects stages across processes
// (gob frames over TCP with an explicit credit window).
package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// Rank identifies a pipeline stage. Stages are numbered 0 (the one fed with
// microbatch inputs) to numStages-1 (the one producing the model output).
type Rank int

// Tag separates the logical channels between a pair of stages, so forward
// and backward traffic never block each other.
type Tag uint8

const (
	// TagActivations carries forward traffic: microbatch activations, and
	// the in-band drain marker that follows the last one.
	TagActivations Tag = iota

	// TagGradients carries backward traffic.
	TagGradients

	// TagControl carries out-of-band control traffic, such as abort
	// notifications on a fatal failure.
	TagControl
)

// String implements fmt.Stringer.
func (t Tag) String() string {
	switch t {
	case TagActivations:
		return "activations"
	case TagGradients:
		return "gradients"
	case TagControl:
		return "control"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// ControlKind discriminates control messages from regular payloads.
type ControlKind uint8

const (
	// ControlNone marks a regular payload message.
	ControlNone ControlKind = iota

	// ControlDrain is the in-band drain marker: it flows on TagActivations
	// after the last injected microbatch, so FIFO ordering guarantees every
	// stage sees all real work before it.
	ControlDrain

	// ControlAbort notifies peers of a fatal failure. It flows on
	// TagControl. The Note field carries the failure description.
	ControlAbort
)

// String implements fmt.Stringer.
func (c ControlKind) String() string {
	switch c {
	case ControlNone:
		return "payload"
	case ControlDrain:
		return "drain"
	case ControlAbort:
		return "abort"
	}
	return fmt.Sprintf("control(%d)", uint8(c))
}

// Message is the unit of communication between stages.
//
// Payload messages (Ctrl == ControlNone) carry a tensor plus the microbatch
// ID and the parameter version that produced it. Control messages carry a
// ControlKind and optionally a Note; their Payload is nil.
type Message struct {
	From, To Rank
	Tag      Tag

	// Mb is the microbatch ID. Unique and increasing within a training run.
	Mb int

	// Version is the parameter version of the sender when the payload was
	// produced. For a gradient it is the version of the forward pass it
	// pairs with.
	Version int64

	Payload *tensors.Tensor

	Ctrl ControlKind
	Note string
}

// Memory returns the payload size in bytes. Control messages report zero.
func (m Message) Memory() uintptr {
	if m.Payload == nil {
		return 0
	}
	return m.Payload.Memory()
}

// String implements fmt.Stringer, used in logs and errors.
func (m Message) String() string {
	if m.Ctrl != ControlNone {
		return fmt.Sprintf("%s(%d->%d)", m.Ctrl, m.From, m.To)
	}
	return fmt.Sprintf("%s(%d->%d, mb=%d, version=%d)", m.Tag, m.From, m.To, m.Mb, m.Version)
}

// Transport moves messages between this stage and its peers.
//
// Send enqueues a message to a peer. It blocks while the (sender, receiver,
// tag) channel already has `window` outstanding payloads, and returns once
// the message is accepted for ordered delivery -- not necessarily yet
// delivered. Recv blocks until a message from the given peer and tag is
// available. Both return promptly with an error wrapping ErrClosed after
// Close.
//
// Implementations must guarantee FIFO delivery per (sender, receiver, tag)
// and must not drop messages: a transport failure is terminal, there is no
// retry (a silently retried or dropped message would corrupt microbatch
// ordering).
type Transport interface {
	Send(msg Message) error
	Recv(from Rank, tag Tag) (Message, error)

	// Rank of this endpoint.
	Rank() Rank

	// Stats of traffic through this endpoint.
	Stats() *Stats

	// Close releases resources and unblocks pending Send/Recv calls.
	Close() error
}

// ErrClosed is returned (wrapped) by Send and Recv after the transport is
// closed.
var ErrClosed = fmt.Errorf("transport closed")

// Stats counts traffic through an endpoint. Safe for concurrent use.
type Stats struct {
	sentMessages, recvMessages atomic.Int64
	sentBytes, recvBytes       atomic.Int64
}

// CountSend registers a sent message.
func (s *Stats) CountSend(msg Message) {
	s.sentMessages.Add(1)
	s.sentBytes.Add(int64(msg.Memory()))
}

// CountRecv registers a received message.
func (s *Stats) CountRecv(msg Message) {
	s.recvMessages.Add(1)
	s.recvBytes.Add(int64(msg.Memory()))
}

// Snapshot returns a consistent-enough copy of the counters for display.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SentMessages: s.sentMessages.Load(),
		RecvMessages: s.recvMessages.Load(),
		SentBytes:    s.sentBytes.Load(),
		RecvBytes:    s.recvBytes.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of a Stats.
type StatsSnapshot struct {
	SentMessages, RecvMessages int64
	SentBytes, RecvBytes       int64
}

// String implements fmt.Stringer, with humanized byte counts.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf("sent %s msgs (%s), received %s msgs (%s)",
		humanize.Comma(s.SentMessages), humanize.Bytes(uint64(s.SentBytes)),
		humanize.Comma(s.RecvMessages), humanize.Bytes(uint64(s.RecvBytes)))
}
