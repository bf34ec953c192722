package realm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
)

// CallFuture bookkeeping of one forwarded CALL awaiting the callee's answer
type CallFuture struct {
	// InvocationID correlates the INVOCATION with the callee's answer
	InvocationID wamp.ID
	// RegistrationID the registration the call was routed to
	RegistrationID wamp.ID
	// Procedure the called procedure URI
	Procedure string
	// Caller the session which made the CALL
	Caller Peer
	// Callee the session the INVOCATION was sent to
	Callee Peer
	// RequestID the caller's CALL request ID, echoed back verbatim
	RequestID json.RawMessage
	// Deadline when the call times out
	Deadline time.Time

	timer common.IntervalTimer
}

// ExpireHandler called from a call's deadline timer once the deadline passes
type ExpireHandler func(invocationID wamp.ID)

// Dialer RPC router. It forwards CALLs to callees as INVOCATIONs and tracks each
// pending call until it is answered or expires.
//
// Not thread safe; the owning realm serializes access. The expire handler is invoked
// from timer goroutines and must take the realm lock itself.
type Dialer struct {
	common.Component
	realm            string
	lastInvocationID wamp.ID
	pending          map[wamp.ID]*CallFuture
	timeout          time.Duration
	onExpire         ExpireHandler
	rootCtxt         context.Context
	wg               *sync.WaitGroup
}

// newDialer define a new Dialer
func newDialer(
	realm string,
	timeout time.Duration,
	onExpire ExpireHandler,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (*Dialer, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("call timeout must be positive: %s", timeout)
	}
	logTags := log.Fields{"module": "realm", "component": "dialer", "realm": realm}
	return &Dialer{
		Component: common.Component{LogTags: logTags},
		realm:     realm,
		pending:   make(map[wamp.ID]*CallFuture),
		timeout:   timeout,
		onExpire:  onExpire,
		rootCtxt:  rootCtxt,
		wg:        wg,
	}, nil
}

// nextInvocationID allocate an invocation ID not held by any pending call
func (d *Dialer) nextInvocationID() wamp.ID {
	for {
		d.lastInvocationID++
		if d.lastInvocationID <= 0 {
			d.lastInvocationID = 1
		}
		if _, inUse := d.pending[d.lastInvocationID]; !inUse {
			return d.lastInvocationID
		}
	}
}

// Call forward a CALL to the registration's callee, and start tracking it
func (d *Dialer) Call(
	reg *Registration, caller Peer, requestID json.RawMessage, payload wamp.Payload,
) (*CallFuture, error) {
	invocationID := d.nextInvocationID()
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.invocation.%d", d.realm, invocationID), d.rootCtxt, d.wg,
	)
	if err != nil {
		return nil, err
	}
	future := &CallFuture{
		InvocationID:   invocationID,
		RegistrationID: reg.ID,
		Procedure:      reg.Procedure,
		Caller:         caller,
		Callee:         reg.Callee,
		RequestID:      requestID,
		Deadline:       time.Now().Add(d.timeout),
		timer:          timer,
	}
	d.pending[invocationID] = future
	if err := timer.Start(d.timeout, func() error {
		d.onExpire(invocationID)
		return nil
	}, true); err != nil {
		delete(d.pending, invocationID)
		return nil, err
	}
	if err := reg.Callee.Send(
		wamp.NewInvocation(invocationID, reg.ID, nil, payload),
	); err != nil {
		d.Take(invocationID)
		return nil, err
	}
	return future, nil
}

// Peek fetch a pending call without resolving it
func (d *Dialer) Peek(invocationID wamp.ID) (*CallFuture, bool) {
	future, ok := d.pending[invocationID]
	return future, ok
}

// Take resolve a pending call: remove it and stop its deadline timer. Only the first
// Take of an invocation ID succeeds.
func (d *Dialer) Take(invocationID wamp.ID) (*CallFuture, bool) {
	future, ok := d.pending[invocationID]
	if !ok {
		return nil, false
	}
	delete(d.pending, invocationID)
	if err := future.timer.Stop(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to stop deadline timer of invocation %d", invocationID,
		)
	}
	return future, true
}

// TakeByCaller resolve every pending call made by the peer, in invocation ID order
func (d *Dialer) TakeByCaller(caller Peer) []*CallFuture {
	return d.takeMatching(func(f *CallFuture) bool { return f.Caller == caller })
}

// TakeByCallee resolve every pending call routed to the peer, in invocation ID order
func (d *Dialer) TakeByCallee(callee Peer) []*CallFuture {
	return d.takeMatching(func(f *CallFuture) bool { return f.Callee == callee })
}

func (d *Dialer) takeMatching(match func(f *CallFuture) bool) []*CallFuture {
	ids := make([]wamp.ID, 0)
	for id, future := range d.pending {
		if match(future) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	result := make([]*CallFuture, 0, len(ids))
	for _, id := range ids {
		if future, ok := d.Take(id); ok {
			result = append(result, future)
		}
	}
	return result
}

// Pending number of calls awaiting an answer
func (d *Dialer) Pending() int {
	return len(d.pending)
}
