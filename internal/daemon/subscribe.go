package daemon

import "sync"

// SubscribeEvent is one notification delivered to a socket subscriber
// (spec.md §4.4, "subscribe {subscriber, agent, team, events[]}").
type SubscribeEvent struct {
	Agent string
	Team  string
	Kind  string // one of the event kinds the subscriber asked for
	Data  any
}

// Subscriber is a single socket client's standing watch over one agent,
// filtered to a set of event kinds.
type Subscriber struct {
	ID     string
	Agent  string
	Team   string
	Events map[string]struct{}
	ch     chan SubscribeEvent
}

// C returns the channel that receives matching events.
func (s *Subscriber) C() <-chan SubscribeEvent {
	return s.ch
}

func (s *Subscriber) wants(kind string) bool {
	if len(s.Events) == 0 {
		return true
	}
	_, ok := s.Events[kind]
	return ok
}

// SubscriptionManager tracks live subscribe-command watchers and fans out
// agent-state events to them, mirroring the non-blocking per-watcher
// broadcast pattern used for streaming agent events: a subscriber with a
// full buffer simply misses an update rather than stalling the daemon.
type SubscriptionManager struct {
	mu   sync.RWMutex
	byID map[string]*Subscriber
}

// NewSubscriptionManager returns an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{byID: make(map[string]*Subscriber)}
}

// Subscribe registers a new watcher and returns it. id should be chosen by
// the caller (e.g. the socket connection's request_id) so Unsubscribe can
// later remove exactly this registration.
func (m *SubscriptionManager) Subscribe(id, agent, team string, events []string) *Subscriber {
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		set[e] = struct{}{}
	}
	sub := &Subscriber{
		ID:     id,
		Agent:  agent,
		Team:   team,
		Events: set,
		ch:     make(chan SubscribeEvent, 64),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = sub
	return sub
}

// Unsubscribe removes a subscriber by id. Safe to call multiple times.
func (m *SubscriptionManager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.byID[id]; ok {
		close(sub.ch)
		delete(m.byID, id)
	}
}

// Broadcast delivers event to every subscriber watching (agent, team) whose
// event filter matches event.Kind. Non-blocking: a full subscriber channel
// drops the event instead of stalling the hook watcher.
func (m *SubscriptionManager) Broadcast(event SubscribeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.byID {
		if sub.Agent != event.Agent || sub.Team != event.Team {
			continue
		}
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}
