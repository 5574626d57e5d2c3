package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// FakePubSub is an in-process PubSub for tests. Delivery is synchronous:
// Publish runs every subscribed handler before returning.
type FakePubSub struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
	history  map[string][][]byte
}

func NewFakePubSub() *FakePubSub {
	return &FakePubSub{
		handlers: make(map[string]map[int]Handler),
		history:  make(map[string][][]byte),
	}
}

func (f *FakePubSub) Publish(ctx context.Context, channel string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.history[channel] = append(f.history[channel], payload)
	hs := make([]Handler, 0, len(f.handlers[channel]))
	for _, h := range f.handlers[channel] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (f *FakePubSub) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[channel] == nil {
		f.handlers[channel] = make(map[int]Handler)
	}
	id := f.nextID
	f.nextID++
	f.handlers[channel][id] = h

	unsubscribe := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[channel], id)
	}
	return unsubscribe, nil
}

// Published returns every payload published to a channel, in order.
func (f *FakePubSub) Published(channel string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.history[channel]))
	copy(out, f.history[channel])
	return out
}
