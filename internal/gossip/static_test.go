package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"regionkv/internal/ring"
)

func TestStatic(t *testing.T) {
	s := NewStatic("n1", []ring.Member{
		{ID: "n2", Addr: "127.0.0.1:2"},
		{ID: "n1", Addr: "127.0.0.1:1"},
	})

	assert.True(t, s.IsAlive("n2"))
	assert.False(t, s.IsAlive("n9"))
	assert.Equal(t, []ring.Member{{ID: "n1", Addr: "127.0.0.1:1"}, {ID: "n2", Addr: "127.0.0.1:2"}}, s.AliveMembers())

	addr, ok := s.Addr("n2")
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:2", addr)

	s.SetLocalCritical(true)
	assert.True(t, s.IsCritical("n1"))
	assert.False(t, s.IsCritical("n2"))
}

var (
	_ Provider = (*Static)(nil)
	_ Provider = (*Membership)(nil)
	_ Provider = (*ZKMembership)(nil)
)
