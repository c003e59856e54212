package gossip

import (
	"sort"
	"sync"

	"regionkv/internal/clock"
	"regionkv/internal/ring"
)

// Static is a fixed membership. Every configured member is always alive;
// only the local member's memory state changes.
type Static struct {
	localID clock.MemberID

	mu       sync.RWMutex
	members  map[clock.MemberID]ring.Member
	critical bool
}

// NewStatic builds a static view. local must be one of members.
func NewStatic(local clock.MemberID, members []ring.Member) *Static {
	s := &Static{localID: local, members: make(map[clock.MemberID]ring.Member, len(members))}
	for _, m := range members {
		s.members[m.ID] = m
	}
	return s
}

func (s *Static) LocalID() clock.MemberID { return s.localID }

func (s *Static) IsAlive(id clock.MemberID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[id]
	return ok
}

// IsCritical only knows the local member's state.
func (s *Static) IsCritical(id clock.MemberID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return id == s.localID && s.critical
}

func (s *Static) Addr(id clock.MemberID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	return m.Addr, ok
}

func (s *Static) AliveMembers() []ring.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ring.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Static) SetLocalCritical(critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critical = critical
}

// OnChange never fires; the view does not change.
func (s *Static) OnChange(func([]ring.Member)) {}
