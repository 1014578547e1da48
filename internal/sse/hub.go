package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// All is the subscription key that receives every broadcast.
const All = "*"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a listener for key, usually an owner user id. Slow
// subscribers drop events rather than block a broadcast.
func (h *Hub) Subscribe(key string) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[key]; !ok {
		h.subs[key] = make(map[chan []byte]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[key]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, key)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Broadcast(keys []string, payload []byte) {
	unique := map[string]struct{}{All: {}}
	for _, key := range keys {
		if key == "" {
			continue
		}
		unique[key] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for key := range unique {
		for ch := range h.subs[key] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// Event encodes v as a server-sent event frame.
func Event(name string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", name, err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", name, data)
	return buf.Bytes(), nil
}
