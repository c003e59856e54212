package gossip

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"regionkv/internal/clock"
	"regionkv/internal/ring"
)

// zkConn is the part of *zk.Conn the membership uses.
type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKMembership is a Provider backed by ephemeral znodes under
// <root>/members. Each member's znode holds its encoded record; the
// critical flag is published by rewriting it.
type ZKMembership struct {
	conn    zkConn
	root    string
	self    Member
	refresh time.Duration
	logger  zerolog.Logger

	mu       sync.RWMutex
	members  map[clock.MemberID]*Member
	onChange []func([]ring.Member)
}

// DialZK connects to servers and returns a membership rooted at root.
func DialZK(servers []string, root string, localID clock.MemberID, localAddr string, logger zerolog.Logger) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}
	return newZKMembership(conn, root, localID, localAddr, logger), nil
}

func newZKMembership(conn zkConn, root string, localID clock.MemberID, localAddr string, logger zerolog.Logger) *ZKMembership {
	self := Member{ID: localID, Addr: localAddr, Status: Alive, Incarnation: 1}
	return &ZKMembership{
		conn:    conn,
		root:    strings.TrimSuffix(root, "/"),
		self:    self,
		refresh: 5 * time.Second,
		logger:  logger.With().Str("component", "zk-membership").Logger(),
		members: map[clock.MemberID]*Member{localID: &self},
	}
}

func (z *ZKMembership) membersPath() string { return z.root + "/members" }

// znodeName escapes a member ID into a single path element.
func znodeName(id clock.MemberID) string { return url.PathEscape(string(id)) }

// Register waits for the session and creates this member's ephemeral node.
func (z *ZKMembership) Register(ctx context.Context) error {
	if err := z.waitConnected(ctx); err != nil {
		return err
	}
	if err := z.ensurePath(z.membersPath()); err != nil {
		return errors.Wrap(err, "ensure members path")
	}
	data := appendMember(nil, &z.self)
	path := z.membersPath() + "/" + znodeName(z.self.ID)
	if _, err := z.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrap(err, "create member node")
	}
	z.logger.Info().Str("path", path).Msg("registered")
	return nil
}

func (z *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur += "/" + p
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (z *ZKMembership) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := z.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "zk not connected, state=%v", st)
		case <-ticker.C:
		}
	}
}

// Watch keeps the view current until ctx is done. Child events trigger an
// immediate reload; record changes are picked up every refresh interval.
func (z *ZKMembership) Watch(ctx context.Context) {
	for {
		children, _, ch, err := z.conn.ChildrenW(z.membersPath())
		if err != nil {
			z.logger.Warn().Err(err).Msg("children watch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		z.reload(children)
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			z.logger.Debug().Str("event", ev.Type.String()).Msg("members changed")
		case <-time.After(z.refresh):
		}
	}
}

func (z *ZKMembership) reload(children []string) {
	next := make(map[clock.MemberID]*Member, len(children))
	for _, name := range children {
		data, _, err := z.conn.Get(z.membersPath() + "/" + name)
		if err != nil {
			// the member left between listing and reading
			continue
		}
		m, err := decodeMember(data)
		if err != nil {
			z.logger.Warn().Err(err).Str("znode", name).Msg("bad member record")
			continue
		}
		m.Status = Alive
		next[m.ID] = m
	}
	z.mu.Lock()
	if _, ok := next[z.self.ID]; !ok {
		self := z.self
		next[z.self.ID] = &self
	}
	z.members = next
	alive := z.aliveLocked()
	fns := append([]func([]ring.Member){}, z.onChange...)
	z.mu.Unlock()
	for _, fn := range fns {
		fn(alive)
	}
}

func (z *ZKMembership) LocalID() clock.MemberID { return z.self.ID }

func (z *ZKMembership) IsAlive(id clock.MemberID) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	_, ok := z.members[id]
	return ok
}

func (z *ZKMembership) IsCritical(id clock.MemberID) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	m, ok := z.members[id]
	return ok && m.Critical
}

func (z *ZKMembership) Addr(id clock.MemberID) (string, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	m, ok := z.members[id]
	if !ok {
		return "", false
	}
	return m.Addr, true
}

func (z *ZKMembership) AliveMembers() []ring.Member {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.aliveLocked()
}

func (z *ZKMembership) aliveLocked() []ring.Member {
	out := make([]ring.Member, 0, len(z.members))
	for _, m := range z.members {
		out = append(out, ring.Member{ID: m.ID, Addr: m.Addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetLocalCritical rewrites this member's record with the new flag.
func (z *ZKMembership) SetLocalCritical(critical bool) {
	z.mu.Lock()
	if z.self.Critical == critical {
		z.mu.Unlock()
		return
	}
	z.self.Critical = critical
	z.self.Incarnation++
	if m, ok := z.members[z.self.ID]; ok {
		m.Critical = critical
	}
	data := appendMember(nil, &z.self)
	z.mu.Unlock()
	path := z.membersPath() + "/" + znodeName(z.self.ID)
	if _, err := z.conn.Set(path, data, -1); err != nil {
		z.logger.Warn().Err(err).Bool("critical", critical).Msg("publishing memory state failed")
	}
}

func (z *ZKMembership) OnChange(fn func([]ring.Member)) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.onChange = append(z.onChange, fn)
}

// Close ends the session, which removes the ephemeral node.
func (z *ZKMembership) Close() { z.conn.Close() }

var (
	_ Provider = (*Membership)(nil)
	_ Provider = (*ZKMembership)(nil)
)
