package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FriendSource reads the current friend ids of a user.
type FriendSource interface {
	FriendIDs(ctx context.Context, userID int64) ([]int64, error)
}

// PresenceFunc is called when a user's first connection arrives (online)
// or the last one leaves (offline). Calls for one user never overlap and
// always alternate, ending on the user's current state.
type PresenceFunc func(userID int64, online bool)

const presenceStripes = 64

// Registry maps users to their live connections and to the rooms they
// are subscribed to. A user's rooms are their own id plus the id of every
// current friend. Registry state lives only as long as the process.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]map[string]Conn   // userID -> connID -> conn
	rooms map[int64]map[int64]struct{} // userID -> room ids

	// announced is the presence last reported per user; guarded by mu.
	// Reports for a user are made under presence[userID%presenceStripes].
	announced map[int64]bool
	presence  [presenceStripes]sync.Mutex

	friends    FriendSource
	onPresence PresenceFunc
	logger     *zap.Logger
}

// NewRegistry creates an empty Registry. friends is consulted whenever a
// user's rooms need to be computed.
func NewRegistry(friends FriendSource, logger *zap.Logger) *Registry {
	return &Registry{
		conns:   make(map[int64]map[string]Conn),
		rooms:     make(map[int64]map[int64]struct{}),
		announced: make(map[int64]bool),
		friends:   friends,
		logger:  logger,
	}
}

// OnPresence installs the presence callback. Call before serving traffic.
func (r *Registry) OnPresence(fn PresenceFunc) {
	r.onPresence = fn
}

func (r *Registry) loadRooms(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	ids, err := r.friends.FriendIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load friends of %d: %w", userID, err)
	}
	rooms := make(map[int64]struct{}, len(ids)+1)
	rooms[userID] = struct{}{}
	for _, id := range ids {
		rooms[id] = struct{}{}
	}
	return rooms, nil
}

// Register adds conn under its user, joining the user's own room and the
// room of every current friend. A user may hold several connections.
func (r *Registry) Register(ctx context.Context, conn Conn) error {
	userID := conn.UserID()
	rooms, err := r.loadRooms(ctx, userID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[userID] = set
	}
	set[conn.ID()] = conn
	r.rooms[userID] = rooms
	total := len(set)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.Int64("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Int("user_conns", total))
	r.reportPresence(userID)
	return nil
}

// Unregister removes conn immediately. It reports whether conn was the
// user's last connection.
func (r *Registry) Unregister(conn Conn) bool {
	userID := conn.UserID()

	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, present := set[conn.ID()]; !present {
		r.mu.Unlock()
		return false
	}
	delete(set, conn.ID())
	last := len(set) == 0
	if last {
		delete(r.conns, userID)
		delete(r.rooms, userID)
	}
	r.mu.Unlock()

	r.logger.Info("connection unregistered",
		zap.Int64("user_id", userID),
		zap.String("conn_id", conn.ID()),
		zap.Bool("last", last))
	r.reportPresence(userID)
	return last
}

// reportPresence compares the user's live state with the last report and
// fires the callback when they differ. A connect racing a disconnect may
// collapse into no report, but the final report always matches IsOnline.
func (r *Registry) reportPresence(userID int64) {
	if r.onPresence == nil {
		return
	}
	stripe := &r.presence[uint64(userID)%presenceStripes]
	stripe.Lock()
	defer stripe.Unlock()

	r.mu.Lock()
	online := len(r.conns[userID]) > 0
	changed := r.announced[userID] != online
	if online {
		r.announced[userID] = true
	} else {
		delete(r.announced, userID)
	}
	r.mu.Unlock()

	if changed {
		r.onPresence(userID, online)
	}
}

// FriendGraphChanged recomputes the rooms of userID from the current
// friend list. Users without live connections are ignored.
func (r *Registry) FriendGraphChanged(ctx context.Context, userID int64) error {
	if !r.IsOnline(userID) {
		return nil
	}
	rooms, err := r.loadRooms(ctx, userID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.conns[userID]; ok {
		r.rooms[userID] = rooms
	}
	r.mu.Unlock()
	return nil
}

// Connections returns a snapshot of the live connections of userID.
func (r *Registry) Connections(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[userID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// Count returns the number of live connections across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Rooms returns the sorted room ids userID is subscribed to.
func (r *Registry) Rooms(userID int64) []int64 {
	r.mu.RLock()
	set := r.rooms[userID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomMembers returns the sorted ids of online users subscribed to roomID.
func (r *Registry) RoomMembers(roomID int64) []int64 {
	r.mu.RLock()
	var out []int64
	for userID, set := range r.rooms {
		if _, ok := set[roomID]; ok {
			out = append(out, userID)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnInfo describes one live connection for the admin API.
type ConnInfo struct {
	UserID int64   `json:"user_id"`
	ConnID string  `json:"conn_id"`
	Rooms  []int64 `json:"rooms"`
}

// Snapshot lists every live connection.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	users := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	r.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var out []ConnInfo
	for _, uid := range users {
		rooms := r.Rooms(uid)
		for _, c := range r.Connections(uid) {
			out = append(out, ConnInfo{UserID: uid, ConnID: c.ID(), Rooms: rooms})
		}
	}
	return out
}

// CloseAll closes every live connection and waits up to timeout for the
// transport handlers to unregister them.
func (r *Registry) CloseAll(timeout time.Duration) {
	r.mu.RLock()
	var all []Conn
	for _, set := range r.conns {
		for _, c := range set {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	r.logger.Info("closing all connections", zap.Int("count", len(all)))
	for _, c := range all {
		c.Close()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
