package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// BackpressurePolicy decides what happens when a client's outbound queue
// is full.
type BackpressurePolicy string

const (
	// PolicyClose closes the slow client; it can reconnect and reload history.
	PolicyClose BackpressurePolicy = "close"
	// PolicyDrop drops the frame for that client only and logs it.
	PolicyDrop BackpressurePolicy = "drop"
)

// ParseBackpressurePolicy accepts "close" and "drop" in any case.
func ParseBackpressurePolicy(s string) (BackpressurePolicy, error) {
	switch p := BackpressurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyClose, PolicyDrop:
		return p, nil
	}
	return "", fmt.Errorf("unknown backpressure policy %q", s)
}

// Fanout delivers frames to connections. Each frame is encoded once and the
// same bytes are queued for every target. Queueing never blocks: each
// client drains its own queue in its write pump, so a slow or dead
// subscriber cannot delay delivery to the others.
type Fanout struct {
	registry *Registry
	policy   BackpressurePolicy
	log      *zap.Logger
}

func NewFanout(registry *Registry, policy BackpressurePolicy, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == "" {
		policy = PolicyClose
	}
	return &Fanout{registry: registry, policy: policy, log: log}
}

// BroadcastToRoom sends frame to every open subscriber of roomID except
// excludeID and returns how many clients it was queued for.
func (f *Fanout) BroadcastToRoom(roomID string, frame any, excludeID string) int {
	payload, ok := f.encode(frame)
	if !ok {
		return 0
	}
	return f.deliver(f.registry.SubscribersOf(roomID), payload, excludeID)
}

// BroadcastAll sends frame to every open connection except excludeID.
func (f *Fanout) BroadcastAll(frame any, excludeID string) int {
	payload, ok := f.encode(frame)
	if !ok {
		return 0
	}
	return f.deliver(f.registry.All(), payload, excludeID)
}

// SendToOne sends frame to the registered connection id.
func (f *Fanout) SendToOne(id string, frame any) bool {
	c, ok := f.registry.Get(id)
	if !ok {
		return false
	}
	return f.Send(c, frame)
}

// Send queues frame for c.
func (f *Fanout) Send(c *Client, frame any) bool {
	payload, ok := f.encode(frame)
	if !ok {
		return false
	}
	return f.deliver([]*Client{c}, payload, "") == 1
}

func (f *Fanout) encode(frame any) ([]byte, bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		f.log.Error("Error encoding frame", zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (f *Fanout) deliver(targets []*Client, payload []byte, excludeID string) int {
	delivered := 0
	for _, c := range targets {
		if excludeID != "" && c.ID() == excludeID {
			continue
		}
		switch c.enqueue(payload) {
		case enqueued:
			delivered++
		case notOpen:
			// closing or closed at write time: skipped
		case queueFull:
			f.handleFull(c)
		}
	}
	return delivered
}

func (f *Fanout) handleFull(c *Client) {
	if f.policy == PolicyDrop {
		c.log.Warn("Send buffer full, dropping frame")
		return
	}
	c.log.Warn("Send buffer full, closing slow client")
	// async: Close runs the presence cleanup, which broadcasts again
	go c.Close(ReasonSlowConsumer)
}
