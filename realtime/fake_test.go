package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type fakeConn struct {
	id     string
	userID int64

	mu     sync.Mutex
	got    []*Packet
	full   bool
	closed bool
}

func newFakeConn(userID int64, n int) *fakeConn {
	return &fakeConn{id: fmt.Sprintf("u%d-c%d", userID, n), userID: userID}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Send(pkt *Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.got = append(c.got, pkt)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, p := range c.got {
		out[i] = p.Type
	}
	return out
}

type fakeFriends struct {
	mu   sync.Mutex
	m    map[int64][]int64
	fail bool
}

func (f *fakeFriends) FriendIDs(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("db down")
	}
	return append([]int64(nil), f.m[userID]...), nil
}

func (f *fakeFriends) set(userID int64, ids ...int64) {
	f.mu.Lock()
	f.m[userID] = ids
	f.mu.Unlock()
}
