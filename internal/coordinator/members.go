package coordinator

import (
	"sync"
	"time"

	"regionkv/internal/clock"
)

// memoryView adds the critical state owners report in their replies to
// the membership view. A member that reported critical memory is treated
// as critical for hold after its last report, or until it reports
// otherwise.
type memoryView struct {
	Members
	hold time.Duration
	now  func() time.Time

	mu       sync.Mutex
	reported map[clock.MemberID]time.Time
}

func newMemoryView(m Members, hold time.Duration) *memoryView {
	return &memoryView{
		Members:  m,
		hold:     hold,
		now:      time.Now,
		reported: make(map[clock.MemberID]time.Time),
	}
}

// Observe records the memory state m reported.
func (v *memoryView) Observe(m clock.MemberID, critical bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if critical && v.hold > 0 {
		v.reported[m] = v.now().Add(v.hold)
		return
	}
	delete(v.reported, m)
}

func (v *memoryView) IsCritical(m clock.MemberID) bool {
	if v.Members.IsCritical(m) {
		return true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	until, ok := v.reported[m]
	if !ok {
		return false
	}
	if !v.now().Before(until) {
		delete(v.reported, m)
		return false
	}
	return true
}
