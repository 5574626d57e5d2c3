// Package mcsfakes provides an in-memory media-server adapter for tests.
package mcsfakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/mcs"
)

// Call records one adapter invocation in submission order.
type Call struct {
	Op      string
	MediaID domain.MediaID
	Sink    domain.MediaID
	Params  mcs.ElementParams
}

// Adapter is a scriptable mcs.Adapter. Zero value is not usable; use New.
type Adapter struct {
	connected *atomic.Bool

	mu         sync.Mutex
	handler    func(mcs.Event)
	calls      []Call
	candidates map[domain.MediaID][]webrtc.ICECandidateInit
	seq        int

	// NegotiateHook, when set, overrides descriptor generation and may
	// inject failures. Called outside the adapter lock.
	NegotiateHook func(room domain.VoiceBridge, user domain.MCSUserID, mediaID domain.MediaID, params mcs.ElementParams) (string, error)
	// StopErr, when set, is returned by every Stop call.
	StopErr error
	// ConnectErr, when set, is returned by every Connect call.
	ConnectErr error
}

func New() *Adapter {
	return &Adapter{
		connected:  atomic.NewBool(true),
		candidates: make(map[domain.MediaID][]webrtc.ICECandidateInit),
	}
}

func (a *Adapter) SetConnected(up bool) { a.connected.Store(up) }
func (a *Adapter) Connected() bool      { return a.connected.Load() }

func (a *Adapter) Negotiate(ctx context.Context, room domain.VoiceBridge, user domain.MCSUserID, mediaID domain.MediaID, params mcs.ElementParams) (string, error) {
	a.record(Call{Op: "negotiate", MediaID: mediaID, Params: params})
	if a.NegotiateHook != nil {
		return a.NegotiateHook(room, user, mediaID, params)
	}
	a.mu.Lock()
	a.seq++
	n := a.seq
	a.mu.Unlock()
	if params.Descriptor == "" {
		return fmt.Sprintf("offer-%d", n), nil
	}
	return fmt.Sprintf("answer-%d", n), nil
}

func (a *Adapter) Stop(ctx context.Context, room domain.VoiceBridge, mediaID domain.MediaID) error {
	a.record(Call{Op: "stop", MediaID: mediaID})
	return a.StopErr
}

func (a *Adapter) Connect(ctx context.Context, source, sink domain.MediaID, mt mcs.MediaType) error {
	a.record(Call{Op: "connect", MediaID: source, Sink: sink})
	return a.ConnectErr
}

func (a *Adapter) Disconnect(ctx context.Context, source, sink domain.MediaID, mt mcs.MediaType) error {
	a.record(Call{Op: "disconnect", MediaID: source, Sink: sink})
	return nil
}

func (a *Adapter) AddIceCandidate(ctx context.Context, mediaID domain.MediaID, candidate webrtc.ICECandidateInit) error {
	a.mu.Lock()
	a.candidates[mediaID] = append(a.candidates[mediaID], candidate)
	a.mu.Unlock()
	a.record(Call{Op: "addIceCandidate", MediaID: mediaID})
	return nil
}

func (a *Adapter) OnEvent(handler func(mcs.Event)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Emit pushes an adapter event through the registered sink.
func (a *Adapter) Emit(ev mcs.Event) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// Calls returns every recorded invocation in submission order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsFor filters the recorded invocations by operation name.
func (a *Adapter) CallsFor(op string) []Call {
	var out []Call
	for _, call := range a.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// CandidatesFor returns candidates forwarded for one media id, in order.
func (a *Adapter) CandidatesFor(mediaID domain.MediaID) []webrtc.ICECandidateInit {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(a.candidates[mediaID]))
	copy(out, a.candidates[mediaID])
	return out
}

func (a *Adapter) record(c Call) {
	a.mu.Lock()
	a.calls = append(a.calls, c)
	a.mu.Unlock()
}
