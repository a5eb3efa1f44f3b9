package metrics

import "sync"

// Event counter names used by the relay.
const (
	ParticipantJoined = "participant_joined"
	ParticipantLeft   = "participant_left"

	RoutedMsg       = "routed_msg"
	RoutedOffer     = "routed_offer"
	RoutedAnswer    = "routed_answer"
	RoutedCandidate = "routed_candidate"
	RoutedBye       = "routed_bye"

	DropReasonMalformed    = "drop_malformed"
	DropReasonNotJoined    = "drop_not_joined"
	DropReasonWrongRoom    = "drop_wrong_room"
	DropReasonRateLimited  = "drop_rate_limited"
	DropReasonSlowConsumer = "drop_slow_consumer"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps routing and drop accounting testable in the meantime.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
