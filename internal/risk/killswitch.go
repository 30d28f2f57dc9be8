package risk

import (
	"sync"
	"time"
)

// KillSwitch is the process-wide trading halt latch. Once tripped, only an
// explicit out-of-band Reset clears it; no trading code path auto-clears it.
// The same handle is shared by every component that must observe the halt;
// it is injected at construction, never a package singleton.
type KillSwitch struct {
	mu        sync.Mutex
	active    bool
	reason    string
	trippedAt time.Time
}

// NewKillSwitch returns an inactive kill switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Trip latches the switch with the given reason. Idempotent: only the first
// trip records its reason and time. Returns true if this call latched it.
func (k *KillSwitch) Trip(reason string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active {
		return false
	}
	k.active = true
	k.reason = reason
	k.trippedAt = time.Now().UTC()
	return true
}

// Active reports whether trading is halted.
func (k *KillSwitch) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}

// State returns the latch state with the first trip's reason and time.
func (k *KillSwitch) State() (active bool, reason string, trippedAt time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active, k.reason, k.trippedAt
}

// Reset clears the latch. This is the explicit out-of-band action reserved
// for operators; nothing in the trading path calls it.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = false
	k.reason = ""
	k.trippedAt = time.Time{}
}
