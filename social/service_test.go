package social_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/realtime"
	"github.com/kasuganosora/friendhub/social"
	"github.com/kasuganosora/friendhub/store"
	"github.com/kasuganosora/friendhub/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type notice struct {
	ev      audience.Event
	payload interface{}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notice
}

func (n *recordingNotifier) Notify(_ context.Context, ev audience.Event, payload interface{}) {
	n.mu.Lock()
	n.got = append(n.got, notice{ev, payload})
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds() []audience.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]audience.Kind, len(n.got))
	for i, x := range n.got {
		out[i] = x.ev.Kind
	}
	return out
}

type env struct {
	db       *gorm.DB
	st       *store.GormStore
	reg      *realtime.Registry
	notifier *recordingNotifier
	svc      *social.Service
	a, b, c  *model.User
}

func setup(t *testing.T) *env {
	return setupWith(t, nil)
}

// setupWith builds the service over wrap(store) when wrap is non-nil.
func setupWith(t *testing.T, wrap func(store.Store) store.Store) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	st := store.NewGormStore(db)
	reg := realtime.NewRegistry(st, zap.NewNop())
	auditSvc := audit.New(db, zap.NewNop())
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })
	n := &recordingNotifier{}

	var s store.Store = st
	if wrap != nil {
		s = wrap(st)
	}
	e := &env{
		db:       db,
		st:       st,
		reg:      reg,
		notifier: n,
		svc:      social.NewService(s, n, reg, auditSvc, zap.NewNop()),
		a:        testutil.CreateUser(t, db, "alice"),
		b:        testutil.CreateUser(t, db, "bob"),
		c:        testutil.CreateUser(t, db, "carol"),
	}
	return e
}

func (e *env) friends(t *testing.T, id int64) []int64 {
	t.Helper()
	ids, err := e.st.FriendIDs(context.Background(), id)
	require.NoError(t, err)
	return ids
}

func TestSendRequest_CreatesPending(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FriendRequestPending, req.Status)
	assert.Equal(t, e.a.ID, req.SenderID)
	assert.Equal(t, e.b.ID, req.ReceiverID)

	var count int64
	e.db.Model(&model.FriendRequest{}).Count(&count)
	assert.Equal(t, int64(1), count)

	require.Len(t, e.notifier.got, 1)
	got := e.notifier.got[0]
	assert.Equal(t, audience.Event{Kind: audience.KindFriendRequest, ActorID: e.a.ID, TargetID: e.b.ID}, got.ev)
}

func TestSendRequest_Errors(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.svc.SendRequest(ctx, e.a.ID, e.a.ID)
	assert.ErrorIs(t, err, social.ErrInvalidTarget)

	_, err = e.svc.SendRequest(ctx, e.a.ID, 9999)
	assert.ErrorIs(t, err, social.ErrNotFound)

	_, err = e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrDuplicateRequest)
	_, err = e.svc.SendRequest(ctx, e.b.ID, e.a.ID)
	assert.ErrorIs(t, err, social.ErrDuplicateRequest, "reverse direction")

	testutil.MakeFriends(t, e.db, e.a.ID, e.c.ID)
	_, err = e.svc.SendRequest(ctx, e.c.ID, e.a.ID)
	assert.ErrorIs(t, err, social.ErrAlreadyFriends)

	assert.Len(t, e.notifier.got, 1, "only the successful send notifies")
}

func TestSendRequest_DeclinedStillBlocks(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.DeclineRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)

	_, err = e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrDuplicateRequest)
}

func TestSendRequest_ConcurrentExactlyOneWins(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the callers send in the reverse direction.
			if i%2 == 0 {
				_, errs[i] = e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
			} else {
				_, errs[i] = e.svc.SendRequest(ctx, e.b.ID, e.a.ID)
			}
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, social.ErrDuplicateRequest)
	}
	assert.Equal(t, 1, ok)

	var count int64
	e.db.Model(&model.FriendRequest{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestAcceptRequest_LinksBothAndNotifiesSender(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	got, err := e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FriendRequestAccepted, got.Status)

	assert.Equal(t, []int64{e.b.ID}, e.friends(t, e.a.ID))
	assert.Equal(t, []int64{e.a.ID}, e.friends(t, e.b.ID))

	stored, err := e.st.FindRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FriendRequestAccepted, stored.Status)

	assert.Equal(t, []audience.Kind{audience.KindFriendRequest, audience.KindFriendRequestStatus}, e.notifier.kinds())
	last := e.notifier.got[1]
	assert.Equal(t, e.a.ID, last.ev.TargetID)
	assert.Equal(t, e.b.ID, last.ev.ActorID)

	// Terminal: no further transitions.
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrInvalidState)
	_, err = e.svc.DeclineRequest(ctx, req.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrInvalidState)
}

func TestAcceptRequest_RefreshesRooms(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	conn := &stubConn{id: "a1", user: e.a.ID}
	require.NoError(t, e.reg.Register(ctx, conn))
	assert.Equal(t, []int64{e.a.ID}, e.reg.Rooms(e.a.ID))

	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{e.a.ID, e.b.ID}, e.reg.Rooms(e.a.ID))
}

func TestAcceptDecline_Authorization(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	_, err = e.svc.AcceptRequest(ctx, req.ID, e.a.ID)
	assert.ErrorIs(t, err, social.ErrForbidden, "sender cannot accept")
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.c.ID)
	assert.ErrorIs(t, err, social.ErrForbidden)
	_, err = e.svc.DeclineRequest(ctx, req.ID, e.c.ID)
	assert.ErrorIs(t, err, social.ErrForbidden)

	_, err = e.svc.AcceptRequest(ctx, 9999, e.b.ID)
	assert.ErrorIs(t, err, social.ErrNotFound)
	_, err = e.svc.DeclineRequest(ctx, 9999, e.b.ID)
	assert.ErrorIs(t, err, social.ErrNotFound)
}

func TestDeclineRequest_NeverLinks(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	got, err := e.svc.DeclineRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FriendRequestDeclined, got.Status)
	assert.Empty(t, e.friends(t, e.a.ID))
	assert.Empty(t, e.friends(t, e.b.ID))

	last := e.notifier.got[len(e.notifier.got)-1]
	assert.Equal(t, audience.KindFriendRequestStatus, last.ev.Kind)
	assert.Equal(t, e.a.ID, last.ev.TargetID)

	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrInvalidState)
}

// conflictStore makes the first UpdateRequestStatus calls lose the race.
// When steal is set the losing call also moves the row to steal, as a
// concurrent actor would.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
	steal     model.FriendRequestStatus
}

func (c *conflictStore) UpdateRequestStatus(ctx context.Context, id int64, expected, next model.FriendRequestStatus) error {
	c.mu.Lock()
	lose := c.conflicts > 0
	if lose {
		c.conflicts--
	}
	c.mu.Unlock()
	if lose {
		if c.steal != "" {
			if err := c.Store.UpdateRequestStatus(ctx, id, expected, c.steal); err != nil {
				return err
			}
		}
		return store.ErrStorageConflict
	}
	return c.Store.UpdateRequestStatus(ctx, id, expected, next)
}

func TestAcceptRequest_RetriesOnceAfterConflict(t *testing.T) {
	cs := &conflictStore{conflicts: 1}
	e := setupWith(t, func(s store.Store) store.Store { cs.Store = s; return cs })
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.b.ID}, e.friends(t, e.a.ID))
}

func TestAcceptRequest_PersistentConflictIsInvalidState(t *testing.T) {
	cs := &conflictStore{conflicts: 2}
	e := setupWith(t, func(s store.Store) store.Store { cs.Store = s; return cs })
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrInvalidState)
	assert.Empty(t, e.friends(t, e.a.ID))
}

func TestAcceptRequest_LosesToConcurrentDecline(t *testing.T) {
	cs := &conflictStore{conflicts: 1, steal: model.FriendRequestDeclined}
	e := setupWith(t, func(s store.Store) store.Store { cs.Store = s; return cs })
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	assert.ErrorIs(t, err, social.ErrInvalidState)
	assert.Empty(t, e.friends(t, e.a.ID))
	assert.Empty(t, e.friends(t, e.b.ID))
}

func TestAcceptRequest_ConcurrentAcceptDecline(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var acceptErr, declineErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, acceptErr = e.svc.AcceptRequest(ctx, req.ID, e.b.ID) }()
	go func() { defer wg.Done(); _, declineErr = e.svc.DeclineRequest(ctx, req.ID, e.b.ID) }()
	wg.Wait()

	if acceptErr == nil {
		assert.ErrorIs(t, declineErr, social.ErrInvalidState)
		assert.Equal(t, []int64{e.b.ID}, e.friends(t, e.a.ID))
	} else {
		assert.ErrorIs(t, acceptErr, social.ErrInvalidState)
		assert.NoError(t, declineErr)
		assert.Empty(t, e.friends(t, e.a.ID))
	}
}

// brokenLinkStore fails every transaction, simulating a crash between the
// status write and the friend list writes.
type brokenLinkStore struct{ store.Store }

func (brokenLinkStore) Transaction(context.Context, func(store.Store) error) error {
	return errors.New("connection reset")
}

func TestAcceptRequest_LinkFailureHealedByReconciler(t *testing.T) {
	e := setupWith(t, func(s store.Store) store.Store { return brokenLinkStore{s} })
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)

	got, err := e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err, "status flip succeeded, accept must not fail")
	assert.Equal(t, model.FriendRequestAccepted, got.Status)
	assert.Empty(t, e.friends(t, e.a.ID))

	auditSvc := audit.New(e.db, zap.NewNop())
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })
	healthy := social.NewService(e.st, e.notifier, e.reg, auditSvc, zap.NewNop())
	n, err := healthy.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{e.b.ID}, e.friends(t, e.a.ID))
	assert.Equal(t, []int64{e.a.ID}, e.friends(t, e.b.ID))

	n, err = healthy.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second pass is a no-op")
}

func TestReconcile_HealsHalfLink(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)

	_, err = e.st.RemoveFriend(ctx, e.b.ID, e.a.ID)
	require.NoError(t, err)

	n, err := e.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{e.a.ID}, e.friends(t, e.b.ID))
}

func TestListPendingIncoming(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.svc.SendRequest(ctx, e.a.ID, e.c.ID)
	require.NoError(t, err)
	r2, err := e.svc.SendRequest(ctx, e.b.ID, e.c.ID)
	require.NoError(t, err)
	_, err = e.svc.DeclineRequest(ctx, r2.ID, e.c.ID)
	require.NoError(t, err)
	_, err = e.svc.SendRequest(ctx, e.c.ID, e.a.ID)
	assert.ErrorIs(t, err, social.ErrDuplicateRequest)

	views, err := e.svc.ListPendingIncoming(ctx, e.c.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "alice", views[0].Sender.Username)
	assert.Equal(t, model.FriendRequestPending, views[0].Status)

	views, err = e.svc.ListPendingIncoming(ctx, e.a.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestListFriends_ProfileRoundTrip(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.db.Model(e.b).Updates(map[string]interface{}{
		"avatar": "/img/bob.png",
		"bio":    "hello there",
	}).Error)

	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)

	require.NoError(t, e.reg.Register(ctx, &stubConn{id: "b1", user: e.b.ID}))

	list, err := e.svc.ListFriends(ctx, e.a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.b.ID, list[0].ID)
	assert.Equal(t, "bob", list[0].Username)
	assert.Equal(t, "/img/bob.png", list[0].Avatar)
	assert.Equal(t, "hello there", list[0].Bio)
	assert.True(t, list[0].Online)

	list, err = e.svc.ListFriends(ctx, e.b.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Online)
}

func TestRemoveFriend(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.svc.RemoveFriend(ctx, e.a.ID, e.a.ID), social.ErrInvalidTarget)
	assert.ErrorIs(t, e.svc.RemoveFriend(ctx, e.a.ID, e.b.ID), social.ErrNotFound)

	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)

	require.NoError(t, e.svc.RemoveFriend(ctx, e.b.ID, e.a.ID))
	assert.Empty(t, e.friends(t, e.a.ID))
	assert.Empty(t, e.friends(t, e.b.ID))

	last := e.notifier.got[len(e.notifier.got)-1]
	assert.Equal(t, audience.Event{Kind: audience.KindFriendRemoved, ActorID: e.b.ID, TargetID: e.a.ID}, last.ev)

	// The old record is gone, so the pair can start over.
	_, err = e.st.FindRequest(ctx, req.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.svc.SendRequest(ctx, e.b.ID, e.a.ID)
	assert.NoError(t, err)

	// Nothing for the reconciler to restore.
	n, err := e.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveFriend_ConcurrentExactlyOneWins(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req, err := e.svc.SendRequest(ctx, e.a.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.AcceptRequest(ctx, req.ID, e.b.ID)
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs[i] = e.svc.RemoveFriend(ctx, e.a.ID, e.b.ID)
			} else {
				errs[i] = e.svc.RemoveFriend(ctx, e.b.ID, e.a.ID)
			}
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, social.ErrNotFound)
	}
	assert.Equal(t, 1, ok)

	removed := 0
	for _, k := range e.notifier.kinds() {
		if k == audience.KindFriendRemoved {
			removed++
		}
	}
	assert.Equal(t, 1, removed)
	assert.Empty(t, e.friends(t, e.a.ID))
	assert.Empty(t, e.friends(t, e.b.ID))
}

func TestTransitions_AreAudited(t *testing.T) {
	db := testutil.SetupTestDB(t)
	st := store.NewGormStore(db)
	auditSvc := audit.New(db, zap.NewNop())
	svc := social.NewService(st, &recordingNotifier{}, realtime.NewRegistry(st, zap.NewNop()), auditSvc, zap.NewNop())
	a := testutil.CreateUser(t, db, "a")
	b := testutil.CreateUser(t, db, "b")

	ctx := audit.WithTraceID(context.Background(), "trace-1")
	req, err := svc.SendRequest(ctx, a.ID, b.ID)
	require.NoError(t, err)
	_, err = svc.AcceptRequest(ctx, req.ID, b.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RemoveFriend(ctx, a.ID, b.ID))
	auditSvc.Stop(context.Background())

	var logs []model.AuditLog
	require.NoError(t, db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 3)
	assert.Equal(t, audit.ActionFriendRequestSent, logs[0].Action)
	assert.Equal(t, audit.ActionFriendRequestAccepted, logs[1].Action)
	assert.Equal(t, audit.ActionFriendRemoved, logs[2].Action)
	for _, l := range logs {
		assert.Equal(t, "trace-1", l.TraceID)
	}
}

type stubConn struct {
	id   string
	user int64
}

func (c *stubConn) ID() string                 { return c.id }
func (c *stubConn) UserID() int64              { return c.user }
func (c *stubConn) Send(*realtime.Packet) bool { return true }
func (c *stubConn) Close()                     {}
