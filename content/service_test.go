package content_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/content"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/store"
	"github.com/kasuganosora/friendhub/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []audience.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev audience.Event, _ interface{}) {
	n.mu.Lock()
	n.got = append(n.got, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) events() []audience.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]audience.Event(nil), n.got...)
}

type env struct {
	db       *gorm.DB
	svc      *content.Service
	notifier *recordingNotifier
	a, b, c  *model.User
}

func setup(t *testing.T) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	n := &recordingNotifier{}
	e := &env{
		db:       db,
		notifier: n,
		svc:      content.NewService(db, store.NewGormStore(db), n, zap.NewNop()),
		a:        testutil.CreateUser(t, db, "alice"),
		b:        testutil.CreateUser(t, db, "bob"),
		c:        testutil.CreateUser(t, db, "carol"),
	}
	testutil.MakeFriends(t, db, e.a.ID, e.b.ID)
	return e
}

func TestCreatePost(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	p, err := e.svc.CreatePost(ctx, e.a.ID, "  hello world  ", "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", p.Content)
	assert.Equal(t, "alice", p.Author.Username)

	evs := e.notifier.events()
	require.Len(t, evs, 1)
	assert.Equal(t, audience.KindNewPost, evs[0].Kind)
	assert.Equal(t, e.a.ID, evs[0].ActorID)
}

func TestCreatePost_InvalidContent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.svc.CreatePost(ctx, e.a.ID, "   ", "")
	assert.ErrorIs(t, err, content.ErrInvalidContent)

	_, err = e.svc.CreatePost(ctx, e.a.ID, strings.Repeat("x", content.MaxPostLen+1), "")
	assert.ErrorIs(t, err, content.ErrInvalidContent)

	// multi-byte runes count as one character each
	_, err = e.svc.CreatePost(ctx, e.a.ID, strings.Repeat("é", content.MaxPostLen), "")
	assert.NoError(t, err)
	assert.Len(t, e.notifier.events(), 1)
}

func TestUpdatePost_OwnerOnly(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.svc.CreatePost(ctx, e.a.ID, "first", "a.png")
	require.NoError(t, err)

	_, err = e.svc.UpdatePost(ctx, p.ID, e.b.ID, "hijack", "")
	assert.ErrorIs(t, err, content.ErrForbidden)

	got, err := e.svc.UpdatePost(ctx, p.ID, e.a.ID, "second", "")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, "a.png", got.Image)

	_, err = e.svc.UpdatePost(ctx, 9999, e.a.ID, "x", "")
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestDeletePost_RemovesLikesAndComments(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.svc.CreatePost(ctx, e.a.ID, "bye", "")
	require.NoError(t, err)
	_, _, err = e.svc.ToggleLike(ctx, p.ID, e.b.ID)
	require.NoError(t, err)
	_, err = e.svc.AddComment(ctx, p.ID, e.b.ID, "nice")
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.DeletePost(ctx, p.ID, e.b.ID), content.ErrForbidden)
	require.NoError(t, e.svc.DeletePost(ctx, p.ID, e.a.ID))

	var n int64
	e.db.Model(&model.Comment{}).Where("post_id = ?", p.ID).Count(&n)
	assert.Zero(t, n)
	e.db.Model(&model.PostLike{}).Where("post_id = ?", p.ID).Count(&n)
	assert.Zero(t, n)
	assert.ErrorIs(t, e.svc.DeletePost(ctx, p.ID, e.a.ID), content.ErrNotFound)
}

func TestFeed_SelfAndFriendsOnly(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.svc.CreatePost(ctx, e.a.ID, "a1", "")
	require.NoError(t, err)
	_, err = e.svc.CreatePost(ctx, e.b.ID, "b1", "")
	require.NoError(t, err)
	_, err = e.svc.CreatePost(ctx, e.c.ID, "c1", "")
	require.NoError(t, err)
	_, err = e.svc.CreatePost(ctx, e.a.ID, "a2", "")
	require.NoError(t, err)

	page, err := e.svc.Feed(ctx, e.a.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Equal(t, 1, page.TotalPages)
	var texts []string
	for _, p := range page.Items {
		texts = append(texts, p.Content)
	}
	assert.Equal(t, []string{"a2", "b1", "a1"}, texts)

	// carol has no friends and only sees her own post
	page, err = e.svc.Feed(ctx, e.c.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c1", page.Items[0].Content)
}

func TestFeed_Pagination(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := e.svc.CreatePost(ctx, e.a.ID, "post", "")
		require.NoError(t, err)
	}

	page, err := e.svc.Feed(ctx, e.a.ID, 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Len(t, page.Items, 2)

	page, err = e.svc.Feed(ctx, e.a.ID, 3, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestToggleLike(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.svc.CreatePost(ctx, e.a.ID, "like me", "")
	require.NoError(t, err)

	liked, n, err := e.svc.ToggleLike(ctx, p.ID, e.b.ID)
	require.NoError(t, err)
	assert.True(t, liked)
	assert.EqualValues(t, 1, n)

	feed, err := e.svc.Feed(ctx, e.b.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	assert.True(t, feed.Items[0].Liked)
	assert.EqualValues(t, 1, feed.Items[0].LikeCount)

	liked, n, err = e.svc.ToggleLike(ctx, p.ID, e.b.ID)
	require.NoError(t, err)
	assert.False(t, liked)
	assert.Zero(t, n)

	evs := e.notifier.events()
	last := evs[len(evs)-1]
	assert.Equal(t, audience.KindNewLike, last.Kind)
	assert.Equal(t, e.a.ID, last.OwnerID)
	assert.Equal(t, e.b.ID, last.ActorID)

	_, _, err = e.svc.ToggleLike(ctx, 9999, e.b.ID)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestComments(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.svc.CreatePost(ctx, e.a.ID, "talk", "")
	require.NoError(t, err)

	_, err = e.svc.AddComment(ctx, p.ID, e.b.ID, strings.Repeat("x", content.MaxCommentLen+1))
	assert.ErrorIs(t, err, content.ErrInvalidContent)

	_, err = e.svc.AddComment(ctx, p.ID, e.b.ID, "one")
	require.NoError(t, err)
	c2, err := e.svc.AddComment(ctx, p.ID, e.c.ID, "two")
	require.NoError(t, err)
	assert.Equal(t, "carol", c2.Author.Username)

	evs := e.notifier.events()
	last := evs[len(evs)-1]
	assert.Equal(t, audience.KindNewComment, last.Kind)
	assert.Equal(t, e.a.ID, last.OwnerID)
	assert.Equal(t, e.c.ID, last.ActorID)

	page, err := e.svc.ListComments(ctx, p.ID, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "two", page.Items[0].Content)
	assert.Equal(t, "one", page.Items[1].Content)

	feed, err := e.svc.Feed(ctx, e.a.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, feed.Items[0].CommentCount)

	_, err = e.svc.ListComments(ctx, 9999, 1, 20)
	assert.ErrorIs(t, err, content.ErrNotFound)
	_, err = e.svc.AddComment(ctx, 9999, e.b.ID, "lost")
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestRecentPosts(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_, err := e.svc.CreatePost(ctx, e.b.ID, text, "")
		require.NoError(t, err)
	}

	got, err := e.svc.RecentPosts(ctx, e.a.ID, e.b.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
}
