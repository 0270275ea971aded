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

package pipeline

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
	"github.com/PluralisResearch/AsyncPP/types/xsync"
)

// injectEvent is one microbatch entering a stage's forward path: from the
// coordinator at stage 0, from the previous stage's activations elsewhere.
type injectEvent struct {
	mb    int
	input *tensors.Tensor
}

// gradEvent is one gradient pending backward processing.
type gradEvent struct {
	mb   int
	grad *tensors.Tensor
}

// worker runs one stage: the scheduler state machine in its own goroutine,
// fed by pump goroutines that turn the transport's blocking Recv calls
// into selectable channels.
//
// Each loop iteration decides one atomic schedule entry, in priority
// order: a pending backward preempts everything, then a forward if the
// ledger admits one, then the drain finalization, and otherwise the worker
// blocks until an event arrives. Optimizer steps run inside the backward
// path the moment the accumulation target is reached.
type worker struct {
	exec      *executor
	tr        transport.Transport
	rank      transport.Rank
	numStages int

	// Filled by the pumps.
	actIn  chan transport.Message
	gradIn chan transport.Message

	// Stage 0 only: injections from the coordinator. Closing it starts the
	// drain.
	inject chan injectEvent

	// Last stage only.
	targets   <-chan *tensors.Tensor
	outputs   chan<- Output
	selfGrads []gradEvent

	draining bool
	failure  *xsync.LatchWithValue[error]
	done     *xsync.Latch
}

func (w *worker) isLast() bool { return int(w.rank) == w.numStages-1 }

func (w *worker) neighbors() []transport.Rank {
	var peers []transport.Rank
	if w.rank > 0 {
		peers = append(peers, w.rank-1)
	}
	if !w.isLast() {
		peers = append(peers, w.rank+1)
	}
	return peers
}

// start launches the pumps and the scheduler loop.
func (w *worker) start() {
	if w.rank > 0 {
		go w.pump(w.rank-1, transport.TagActivations, w.actIn)
	}
	if !w.isLast() {
		go w.pump(w.rank+1, transport.TagGradients, w.gradIn)
	}
	for _, peer := range w.neighbors() {
		go w.controlPump(peer)
	}
	go w.run()
}

// pump moves messages from one transport channel into an internal channel
// the scheduler can select on.
func (w *worker) pump(from transport.Rank, tag transport.Tag, into chan<- transport.Message) {
	for {
		msg, err := w.tr.Recv(from, tag)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !w.done.Test() {
				w.fail(&TransportError{Stage: int(w.rank), Err: err})
			}
			return
		}
		select {
		case into <- msg:
		case <-w.failure.WaitChan():
			return
		}
	}
}

// controlPump listens for abort notices from a peer. Within one process
// the shared failure latch already reaches every stage; the control
// channel carries the same signal across transports, so remote stages
// learn of the abort too.
func (w *worker) controlPump(peer transport.Rank) {
	for {
		msg, err := w.tr.Recv(peer, transport.TagControl)
		if err != nil {
			return
		}
		if msg.Ctrl == transport.ControlAbort {
			w.failure.Trigger(errors.Errorf("stage %d aborted the run: %s", msg.From, msg.Note))
		}
	}
}

// fail records the first fatal error, which stops every stage, and tells
// the peers over the control channel.
func (w *worker) fail(err error) {
	klog.Errorf("stage %d aborting: %v", w.rank, err)
	w.failure.Trigger(err)
	for _, peer := range w.neighbors() {
		_ = w.tr.Send(transport.Message{
			From: w.rank, To: peer, Tag: transport.TagControl,
			Ctrl: transport.ControlAbort, Note: err.Error(),
		})
	}
}

// run is the scheduler state machine.
func (w *worker) run() {
	defer w.done.Trigger()
	for {
		if w.failure.Test() {
			return
		}

		// Backward preempts forward whenever a gradient is ready: it frees
		// a window slot and returns the version-tagged buffers.
		if ev, ok := w.takeGradient(); ok {
			if !w.handleGrad(ev) {
				return
			}
			continue
		}

		if !w.draining && w.exec.ledger.CanTagForward() {
			handled, keep := w.tryForwardSource()
			if !keep {
				return
			}
			if handled {
				continue
			}
		}

		if w.draining && w.exec.ledger.InFlight() == 0 {
			// Everything retired; flush a partial accumulation if one is
			// pending and leave.
			if _, err := w.exec.applyStep(true); err != nil {
				w.fail(err)
			}
			return
		}

		if !w.blockForEvent() {
			return
		}
	}
}

// takeGradient returns the next pending gradient without blocking. The
// last stage generates its own through the loss; the others receive them
// from the next stage.
func (w *worker) takeGradient() (gradEvent, bool) {
	if w.isLast() {
		if len(w.selfGrads) == 0 {
			return gradEvent{}, false
		}
		ev := w.selfGrads[0]
		w.selfGrads = w.selfGrads[1:]
		return ev, true
	}
	select {
	case msg := <-w.gradIn:
		return gradEvent{mb: msg.Mb, grad: msg.Payload}, true
	default:
		return gradEvent{}, false
	}
}

// tryForwardSource attempts one forward without blocking: an injection at
// stage 0, an activation elsewhere. handled reports whether an event was
// consumed; keep is false when the worker must exit.
func (w *worker) tryForwardSource() (handled, keep bool) {
	if w.rank == 0 {
		select {
		case ev, ok := <-w.inject:
			if !ok {
				return true, w.beginDrain()
			}
			return true, w.handleForward(ev)
		default:
			return false, true
		}
	}
	select {
	case msg := <-w.actIn:
		return true, w.handleAct(msg)
	default:
		return false, true
	}
}

// blockForEvent suspends until any permitted event arrives and handles it.
// Channels whose events are not currently admissible are left nil so the
// select ignores them: activations are only taken while the ledger has a
// free slot, which is the backpressure stall.
func (w *worker) blockForEvent() (keep bool) {
	var gradCh, actCh chan transport.Message
	var injCh chan injectEvent
	if !w.isLast() {
		gradCh = w.gradIn
	}
	if !w.draining && w.exec.ledger.CanTagForward() {
		actCh = w.actIn  // nil at stage 0
		injCh = w.inject // nil above stage 0
	}
	select {
	case msg := <-gradCh:
		return w.handleGrad(gradEvent{mb: msg.Mb, grad: msg.Payload})
	case msg := <-actCh:
		return w.handleAct(msg)
	case ev, ok := <-injCh:
		if !ok {
			return w.beginDrain()
		}
		return w.handleForward(ev)
	case <-w.failure.WaitChan():
		return false
	}
}

// handleAct processes one activation-channel message: either the in-band
// drain marker, which arrives after the previous stage's last real
// activation, or a microbatch to forward.
func (w *worker) handleAct(msg transport.Message) (keep bool) {
	if msg.Ctrl == transport.ControlDrain {
		return w.beginDrain()
	}
	return w.handleForward(injectEvent{mb: msg.Mb, input: msg.Payload})
}

// beginDrain stops accepting forwards and passes the drain marker along so
// the next stage knows no further activations will come.
func (w *worker) beginDrain() (keep bool) {
	if w.draining {
		return true
	}
	w.draining = true
	klog.V(1).Infof("stage %d draining, %d microbatch(es) still in flight", w.rank, w.exec.ledger.InFlight())
	if w.isLast() {
		return true
	}
	err := w.tr.Send(transport.Message{
		From: w.rank, To: w.rank + 1, Tag: transport.TagActivations, Ctrl: transport.ControlDrain,
	})
	if err != nil {
		w.fail(&TransportError{Stage: int(w.rank), Err: err})
		return false
	}
	return true
}

// handleForward runs one forward pass and routes its output: activation to
// the next stage, or loss plus self-enqueued gradient at the last stage.
func (w *worker) handleForward(ev injectEvent) (keep bool) {
	output, version, err := w.exec.runForward(ev.mb, ev.input)
	if err != nil {
		w.fail(err)
		return false
	}

	if !w.isLast() {
		err = w.tr.Send(transport.Message{
			From: w.rank, To: w.rank + 1, Tag: transport.TagActivations,
			Mb: ev.mb, Version: version, Payload: output,
		})
		if err != nil {
			w.fail(&TransportError{Stage: int(w.rank), Err: err})
			return false
		}
		return true
	}

	var target *tensors.Tensor
	select {
	case target = <-w.targets:
	case <-w.failure.WaitChan():
		return false
	}
	loss, grad, err := w.exec.runLoss(ev.mb, output, target)
	if err != nil {
		w.fail(err)
		return false
	}
	select {
	case w.outputs <- Output{Mb: ev.mb, Loss: loss, Output: output}:
	case <-w.failure.WaitChan():
		return false
	}
	w.selfGrads = append(w.selfGrads, gradEvent{mb: ev.mb, grad: grad})
	return true
}

// handleGrad runs one backward pass, forwards the input gradient to the
// previous stage (stage 0 just finalizes the bookkeeping) and steps the
// optimizer when the accumulation target is reached.
func (w *worker) handleGrad(ev gradEvent) (keep bool) {
	gradInput, producedAt, err := w.exec.runBackward(ev.mb, ev.grad)
	if err != nil {
		w.fail(err)
		return false
	}
	if w.rank > 0 {
		err = w.tr.Send(transport.Message{
			From: w.rank, To: w.rank - 1, Tag: transport.TagGradients,
			Mb: ev.mb, Version: producedAt, Payload: gradInput,
		})
		if err != nil {
			w.fail(&TransportError{Stage: int(w.rank), Err: err})
			return false
		}
	}
	if _, err := w.exec.applyStep(false); err != nil {
		w.fail(err)
		return false
	}
	return true
}
