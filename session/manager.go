// Package session owns per-ECU session and security-access state:
// the idempotent session transitions, the seed/key handshake, and the
// tester-present keepalive. State belongs here rather than in package uds
// so the UDS service itself stays stateless and testable against recorded
// byte streams.
package session

import (
	"context"
	"sync"
	"time"

	"sovdgw/sovderr"
	"sovdgw/uds"
)

// ID is one of the four UDS diagnostic session types.
type ID byte

const (
	Default     ID = ID(uds.SubfunctionDefaultSession)
	Programming ID = ID(uds.SubfunctionProgrammingSession)
	Extended    ID = ID(uds.SubfunctionExtendedDiagnosticSession)
	Engineering ID = ID(uds.SubfunctionSafetySystemDiagnosticSession)
)

// SecurityState is (level, pending_seed?, unlocked).
type SecurityState struct {
	Level       byte
	PendingSeed []byte
	Unlocked    bool
}

// Config carries the per-ECU parameters the session manager needs.
type Config struct {
	KeepaliveInterval        time.Duration // default 2s
	SuppressKeepaliveResponse bool
}

// Manager tracks one ECU's session and security state and runs its
// keepalive task. All mutation is serialised through mu; the rule that
// any observed transition re-locks security while an idempotent no-op
// preserves it is enforced entirely in ChangeSession.
type Manager struct {
	svc *uds.Service
	cfg Config

	mu           sync.RWMutex
	current      ID
	security     SecurityState
	defaultEpoch uint64 // bumped every time the session (re)lands on Default

	keepaliveCancel context.CancelFunc
	keepaliveDone   chan struct{}
}

// NewManager builds a Manager starting in the Default session, locked.
func NewManager(svc *uds.Service, cfg Config) *Manager {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 2 * time.Second
	}
	return &Manager{svc: svc, cfg: cfg, current: Default}
}

// CurrentSession returns a consistent snapshot of the active session.
func (m *Manager) CurrentSession() ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SecuritySnapshot returns a copy of the current security state.
func (m *Manager) SecuritySnapshot() SecurityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.security
}

// DefaultEpoch returns a counter bumped every time the session (re)lands
// on Default, whether by an explicit ChangeSession(Default) or by
// NotifyECUReset. Callers holding state that must be dropped on a
// transition to Default (e.g. an in-flight block transfer) capture this
// value when that state is created and treat a later mismatch as
// "invalidated".
func (m *Manager) DefaultEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultEpoch
}

// ChangeSession transitions to id. If already in id, this is a no-op: no
// UDS traffic is sent and security is preserved. Any other transition
// sends UDS 0x10 and unconditionally re-locks
// security, since ISO 14229 defines every real session change as
// relocking, and a no-op send would do so needlessly.
func (m *Manager) ChangeSession(ctx context.Context, id ID) error {
	m.mu.Lock()
	if m.current == id {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if _, err := m.svc.DiagnosticSessionControl(ctx, byte(id)); err != nil {
		return err
	}

	wasDefault := m.CurrentSession() == Default

	m.mu.Lock()
	m.current = id
	m.security = SecurityState{}
	if id == Default {
		m.defaultEpoch++
	}
	m.mu.Unlock()

	if id == Default {
		m.stopKeepalive()
	} else if wasDefault {
		m.startKeepalive()
	}
	return nil
}

// EnsureDefault transitions to Default if not already there.
func (m *Manager) EnsureDefault(ctx context.Context) error {
	return m.ChangeSession(ctx, Default)
}

// EnsureExtended transitions to Extended unless the current session
// already satisfies it (Programming and Engineering both imply extended
// diagnostic capability was already granted).
func (m *Manager) EnsureExtended(ctx context.Context) error {
	cur := m.CurrentSession()
	if cur == Extended || cur == Programming || cur == Engineering {
		return nil
	}
	return m.ChangeSession(ctx, Extended)
}

// EnsureProgramming transitions to Programming unless already there.
func (m *Manager) EnsureProgramming(ctx context.Context) error {
	if m.CurrentSession() == Programming {
		return nil
	}
	return m.ChangeSession(ctx, Programming)
}

// EnsureEngineering transitions through Extended first if currently
// Default, then requires security to already be unlocked — it does NOT
// self-service the unlock, matching the original's behaviour.
//
// Unlike ChangeSession, the transitions here go straight to the UDS
// service instead of through ChangeSession, and do not touch security
// state: the security check below must see whatever was unlocked
// before this call, so nothing along this path may re-lock it first.
func (m *Manager) EnsureEngineering(ctx context.Context, requireSecurity bool) error {
	if m.CurrentSession() == Engineering {
		return nil
	}

	if m.CurrentSession() == Default {
		if _, err := m.svc.DiagnosticSessionControl(ctx, byte(Extended)); err != nil {
			return err
		}
		m.mu.Lock()
		m.current = Extended
		m.mu.Unlock()
	}

	if requireSecurity && !m.SecuritySnapshot().Unlocked {
		return &sovderr.SecurityAccessDenied{Msg: "engineering session requires security access already unlocked"}
	}

	if _, err := m.svc.DiagnosticSessionControl(ctx, byte(Engineering)); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = Engineering
	m.mu.Unlock()
	m.startKeepalive()
	return nil
}

// RequestSecuritySeed issues UDS 0x27 odd sub-function for level. A
// zero-length or all-zero seed means the ECU reports itself already
// unlocked; the manager records that without a further round trip.
func (m *Manager) RequestSecuritySeed(ctx context.Context, level byte) ([]byte, error) {
	seed, err := m.svc.SecurityAccessRequestSeed(ctx, level)
	if err != nil {
		return nil, err
	}

	if isZeroSeed(seed) {
		m.mu.Lock()
		m.security = SecurityState{Level: level, Unlocked: true}
		m.mu.Unlock()
		return seed, nil
	}

	m.mu.Lock()
	m.security = SecurityState{Level: level, PendingSeed: seed}
	m.mu.Unlock()
	return seed, nil
}

func isZeroSeed(seed []byte) bool {
	if len(seed) == 0 {
		return true
	}
	for _, b := range seed {
		if b != 0 {
			return false
		}
	}
	return true
}

// SendSecurityKey issues UDS 0x27 even sub-function with key, succeeding
// only if a pending seed exists for the same level.
func (m *Manager) SendSecurityKey(ctx context.Context, level byte, key []byte) error {
	m.mu.RLock()
	pending := m.security
	m.mu.RUnlock()

	if pending.PendingSeed == nil || pending.Level != level {
		return &sovderr.SecurityAccessDenied{Msg: "send key without a pending seed for this level"}
	}

	if err := m.svc.SecurityAccessSendKey(ctx, level, key); err != nil {
		return err
	}

	m.mu.Lock()
	m.security = SecurityState{Level: level, Unlocked: true}
	m.mu.Unlock()
	return nil
}

// NotifyECUReset updates bookkeeping without emitting UDS traffic: drops
// the session to Default, re-locks security, stops keepalive. Called by
// any code path that observes an ECU reset, commanded or external.
func (m *Manager) NotifyECUReset() {
	m.mu.Lock()
	m.current = Default
	m.security = SecurityState{}
	m.defaultEpoch++
	m.mu.Unlock()
	m.stopKeepalive()
}

func (m *Manager) startKeepalive() {
	m.mu.Lock()
	if m.keepaliveCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.keepaliveCancel = cancel
	done := make(chan struct{})
	m.keepaliveDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				exchangeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = m.svc.TesterPresent(exchangeCtx, m.cfg.SuppressKeepaliveResponse)
				cancel()
			}
		}
	}()
}

func (m *Manager) stopKeepalive() {
	m.mu.Lock()
	cancel := m.keepaliveCancel
	done := m.keepaliveDone
	m.keepaliveCancel = nil
	m.keepaliveDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the keepalive task, if running.
func (m *Manager) Close() {
	m.stopKeepalive()
}
