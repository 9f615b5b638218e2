package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "mlflow_session", time.Hour, false), mr
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

func TestSessionCommitAndReload(t *testing.T) {
	sm, _ := newTestManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)

	loginAt := time.Now().UTC().Truncate(time.Second)
	sess.SetIdentity("alice", 7, true, loginAt)
	sess.SetFlash("welcome back")

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec, "mlflow_session")
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	reloaded, err := sm.Load(ctx, req2)
	require.NoError(t, err)
	assert.Equal(t, "alice", reloaded.Username())
	assert.Equal(t, int64(7), reloaded.UserID())
	assert.True(t, reloaded.IsAdmin())
	assert.Equal(t, loginAt, reloaded.LoginTime().UTC().Truncate(time.Second))
}

func TestSessionFlashConsumedOnce(t *testing.T) {
	sm, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetFlash("account created")
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec, "mlflow_session")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	again, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "account created", again.PopFlash())
	assert.Empty(t, again.PopFlash())

	rec2 := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec2, again))
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	final, err := sm.Load(ctx, req2)
	require.NoError(t, err)
	assert.Empty(t, final.PopFlash())
}

func TestSessionExpires(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetIdentity("bob", 2, false, time.Now())
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec, "mlflow_session")

	mr.FastForward(2 * time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	reloaded, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Username())
}

func TestSessionDestroy(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetIdentity("carol", 3, false, time.Now())
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, sess))
	cookie := sessionCookie(t, rec, "mlflow_session")
	require.True(t, mr.Exists("session:"+cookie.Value))

	sm.Destroy(sess)
	rec2 := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec2, sess))
	assert.False(t, mr.Exists("session:"+cookie.Value))

	cleared := sessionCookie(t, rec2, "mlflow_session")
	assert.Empty(t, cleared.Value)
	assert.Negative(t, cleared.MaxAge)
}
