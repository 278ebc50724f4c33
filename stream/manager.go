// Package stream implements the Stream Manager: mapping logical
// parameter subscriptions onto UDS 0x2A periodic-identifier transmission,
// and demultiplexing inbound periodic frames back to subscribers.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"sovdgw/uds"
)

// Sample is one demultiplexed periodic data point, delivered raw — DID
// decoding to a physical value happens at the resolver/API layer, not
// here.
type Sample struct {
	DID  uint16
	Data []byte
	Seq  uint64
}

type subscriptionState struct {
	id     string
	dids   map[uint16]struct{}
	rateHz uint32
	ch     chan Sample
}

// Manager owns the set of live subscriptions for one ECU and keeps the
// ECU's actual periodic configuration in sync with their union, grouped by
// rate class. Reconfiguration always recomputes the full desired state and
// diffs against what's currently active — never an incremental per-
// subscription patch — matching the grounding source exactly.
type Manager struct {
	svc *uds.Service

	mu            sync.RWMutex
	subscriptions map[string]*subscriptionState
	activeDIDs    map[uint16]struct{}
	sequence      uint64
}

// NewManager builds a Manager bound to svc. The caller is responsible for
// feeding inbound frames to HandleIncomingFrame, typically from the
// transport adapter's subscription loop.
func NewManager(svc *uds.Service) *Manager {
	return &Manager{
		svc:           svc,
		subscriptions: make(map[string]*subscriptionState),
		activeDIDs:    make(map[uint16]struct{}),
	}
}

// ParseDID parses a hex DID string ("F405" or "0xF40C") to its numeric
// form.
func ParseDID(didStr string) (uint16, error) {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(didStr, "0x"), "0X")
	v, err := strconv.ParseUint(cleaned, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("stream: invalid DID %q: %w", didStr, err)
	}
	return uint16(v), nil
}

// Subscribe parses dids, registers a new subscription at rateHz, and
// reconfigures the ECU's periodic transmission. On failure the
// subscription is rolled back and never delivered.
func (m *Manager) Subscribe(ctx context.Context, dids []string, rateHz uint32) (id string, ch <-chan Sample, err error) {
	didSet := make(map[uint16]struct{}, len(dids))
	for _, s := range dids {
		did, err := ParseDID(s)
		if err != nil {
			return "", nil, err
		}
		didSet[did] = struct{}{}
	}

	subID := uuid.NewString()
	state := &subscriptionState{
		id:     subID,
		dids:   didSet,
		rateHz: rateHz,
		ch:     make(chan Sample, 1024),
	}

	m.mu.Lock()
	m.subscriptions[subID] = state
	m.mu.Unlock()

	if err := m.reconfigurePeriodic(ctx); err != nil {
		m.mu.Lock()
		delete(m.subscriptions, subID)
		m.mu.Unlock()
		return "", nil, err
	}

	return subID, state.ch, nil
}

// Unsubscribe removes a subscription and reconfigures the ECU.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	state, ok := m.subscriptions[id]
	if ok {
		delete(m.subscriptions, id)
		close(state.ch)
	}
	m.mu.Unlock()

	return m.reconfigurePeriodic(ctx)
}

// reconfigurePeriodic recomputes the union of DIDs across every live
// subscription grouped by rate class, stops whatever was previously active
// that is no longer wanted, then starts the new union. This is always a
// full recompute, never an incremental diff against one subscription.
func (m *Manager) reconfigurePeriodic(ctx context.Context) error {
	rateGroups := make(map[uint32]map[uint16]struct{})

	m.mu.RLock()
	for _, state := range m.subscriptions {
		group, ok := rateGroups[state.rateHz]
		if !ok {
			group = make(map[uint16]struct{})
			rateGroups[state.rateHz] = group
		}
		for did := range state.dids {
			group[did] = struct{}{}
		}
	}
	previouslyActive := make([]uint16, 0, len(m.activeDIDs))
	for did := range m.activeDIDs {
		previouslyActive = append(previouslyActive, did)
	}
	m.mu.RUnlock()

	wanted := make(map[uint16]struct{})
	for rateHz, dids := range rateGroups {
		if _, stop := uds.RateClassFor(rateHz); stop {
			continue
		}
		for did := range dids {
			wanted[did] = struct{}{}
		}
	}

	for _, did := range previouslyActive {
		if _, ok := wanted[did]; ok {
			continue
		}
		pid := byte(did & 0xFF)
		_, _ = m.svc.StopPeriodic(ctx, []byte{pid})
	}

	newActive := make(map[uint16]struct{})
	for rateHz, dids := range rateGroups {
		if len(dids) == 0 {
			continue
		}
		rate, stop := uds.RateClassFor(rateHz)
		if stop {
			continue
		}
		pids := make([]byte, 0, len(dids))
		for did := range dids {
			pids = append(pids, byte(did&0xFF))
		}
		if _, err := m.svc.StartPeriodic(ctx, rate, pids); err != nil {
			return err
		}
		for did := range dids {
			newActive[did] = struct{}{}
		}
	}

	m.mu.Lock()
	m.activeDIDs = newActive
	m.mu.Unlock()
	return nil
}

// HandleIncomingFrame demultiplexes one inbound raw UDS frame: anything
// that isn't a periodic transmission (SID < 0x40, not 0x7F) is ignored
// here — it belongs to a pending request/response exchange instead. The
// frame format is [periodic_id_low, payload...]; the ECU gives no way to
// disambiguate DIDs whose low bytes collide, so every subscription holding
// such a DID receives the sample, and a subscription holding several of
// them receives it once, tagged with whichever of them map iteration
// reaches first (documented open question).
func (m *Manager) HandleIncomingFrame(frame []byte) {
	if len(frame) == 0 || !uds.IsPeriodicFrame(frame) {
		return
	}

	didLow := frame[0]
	data := frame[1:]

	m.mu.Lock()
	m.sequence++
	seq := m.sequence
	subs := make([]*subscriptionState, 0, len(m.subscriptions))
	for _, state := range m.subscriptions {
		subs = append(subs, state)
	}
	m.mu.Unlock()

	for _, state := range subs {
		for did := range state.dids {
			if byte(did&0xFF) == didLow {
				sample := Sample{DID: did, Data: append([]byte(nil), data...), Seq: seq}
				select {
				case state.ch <- sample:
				default:
				}
				break
			}
		}
	}
}

// Close tears down every live subscription's channel.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, state := range m.subscriptions {
		close(state.ch)
		delete(m.subscriptions, id)
	}
}
