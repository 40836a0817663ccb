package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
	"github.com/ghaggin/brochure/internal/metrics"
	"github.com/ghaggin/brochure/internal/model"
	"github.com/ghaggin/brochure/internal/sessionstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, store scs.Store, secure bool) *SessionManager {
	t.Helper()
	sm, err := NewSessionManagerWithStore(store, Options{
		CookieName: "sid",
		Secrets:    []string{"test-secret"},
		Lifetime:   24 * time.Hour,
		Secure:     secure,
	}, zap.NewNop())
	require.NoError(t, err)
	return sm
}

// visitHandler records a visit and reports the count in a header.
func visitHandler(sm *SessionManager) http.Handler {
	return sm.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := sm.RecordVisit(r.Context(), r.URL.Path)
		w.Header().Set("X-Visits", strconv.Itoa(v.Visits))
		w.WriteHeader(http.StatusOK)
	}))
}

func send(h http.Handler, path string, cookie *http.Cookie) (*httptest.ResponseRecorder, *http.Cookie) {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		r.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	for _, c := range rr.Result().Cookies() {
		if c.Name == "sid" {
			return rr, c
		}
	}
	return rr, nil
}

func Test_SessionManager_cookie(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	sm := newTestManager(t, memstore.New(), true)
	rr, cookie := send(visitHandler(sm), "/", nil)

	assert.Equal(http.StatusOK, rr.Code)
	require.NotNil(cookie)
	assert.True(cookie.HttpOnly)
	assert.True(cookie.Secure)
	assert.Equal(http.SameSiteLaxMode, cookie.SameSite)
	assert.InDelta(24*60*60, cookie.MaxAge, 2)

	_, ok := sm.signer.Verify(cookie.Value)
	assert.True(ok)
}

func Test_SessionManager_developmentCookie(t *testing.T) {
	sm := newTestManager(t, memstore.New(), false)
	_, cookie := send(visitHandler(sm), "/", nil)

	require.NotNil(t, cookie)
	assert.False(t, cookie.Secure)
	assert.True(t, cookie.HttpOnly)
}

func Test_SessionManager_persistsAcrossRequests(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	sm := newTestManager(t, memstore.New(), true)
	h := visitHandler(sm)

	rr, cookie := send(h, "/", nil)
	require.NotNil(cookie)
	assert.Equal("1", rr.Header().Get("X-Visits"))

	rr, _ = send(h, "/about", cookie)
	assert.Equal("2", rr.Header().Get("X-Visits"))

	rr, _ = send(h, "/products", cookie)
	assert.Equal("3", rr.Header().Get("X-Visits"))
}

func Test_SessionManager_forgedCookieStartsOver(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	sm := newTestManager(t, memstore.New(), true)
	h := visitHandler(sm)

	_, cookie := send(h, "/", nil)
	require.NotNil(cookie)
	_, _ = send(h, "/", cookie)

	token, ok := sm.signer.Verify(cookie.Value)
	require.True(ok)
	forged := &http.Cookie{Name: "sid", Value: token + ".bogus"}

	rr, _ := send(h, "/", forged)
	assert.Equal("1", rr.Header().Get("X-Visits"))
}

func Test_SessionManager_untouchedSessionIsNotSaved(t *testing.T) {
	sm := newTestManager(t, memstore.New(), true)
	h := sm.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr, cookie := send(h, "/", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, cookie)
}

func Test_SessionManager_destroy(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	sm := newTestManager(t, memstore.New(), true)
	h := visitHandler(sm)
	logout := sm.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Nil(sm.Destroy(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	_, cookie := send(h, "/", nil)
	require.NotNil(cookie)
	_, _ = send(h, "/", cookie)

	_, cleared := send(logout, "/logout", cookie)
	require.NotNil(cleared)
	assert.Equal("", cleared.Value)
	assert.True(cleared.MaxAge < 0)

	// the old cookie no longer finds a session
	rr, _ := send(h, "/", cookie)
	assert.Equal("1", rr.Header().Get("X-Visits"))
}

// recordingStore serves one fixed payload and remembers the last commit.
type recordingStore struct {
	payload   []byte
	committed time.Time
	commits   int
}

func (s *recordingStore) Find(string) ([]byte, bool, error) { return s.payload, true, nil }
func (s *recordingStore) Delete(string) error               { return nil }

func (s *recordingStore) Commit(_ string, _ []byte, expiry time.Time) error {
	s.committed = expiry
	s.commits++
	return nil
}

func Test_SessionManager_visitRenewsExpiry(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	payload, err := sessionstore.Codec{}.Encode(time.Now().Add(time.Hour), map[string]interface{}{
		sessionstore.VisitorKey: &model.Visitor{Visits: 5},
	})
	require.Nil(err)

	store := &recordingStore{payload: payload}
	sm := newTestManager(t, store, true)

	signed, err := sm.signer.Sign("existing-token")
	require.Nil(err)

	rr, cookie := send(visitHandler(sm), "/about", &http.Cookie{Name: "sid", Value: signed})
	assert.Equal("6", rr.Header().Get("X-Visits"))

	require.Equal(1, store.commits)
	renewed := time.Now().Add(24 * time.Hour)
	assert.WithinDuration(renewed, store.committed, 5*time.Second)
	assert.False(store.committed.After(renewed))

	require.NotNil(cookie)
	assert.InDelta(24*60*60, cookie.MaxAge, 2)
}

type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Find(string) ([]byte, bool, error)      { return nil, false, errDown }
func (brokenStore) Commit(string, []byte, time.Time) error { return errDown }
func (brokenStore) Delete(string) error                    { return errDown }

func Test_SessionManager_storeDownDegrades(t *testing.T) {
	assert := assert.New(t)

	sm := newTestManager(t, brokenStore{}, true)
	h := visitHandler(sm)
	before := testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("commit"))

	rr, cookie := send(h, "/", nil)
	assert.Equal(http.StatusOK, rr.Code)
	assert.Equal("1", rr.Header().Get("X-Visits"))
	assert.Equal(before+1, testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("commit")))

	rr, _ = send(h, "/", cookie)
	assert.Equal(http.StatusOK, rr.Code)
	assert.Equal("1", rr.Header().Get("X-Visits"))
}

func Test_SessionManager_Visitor_missing(t *testing.T) {
	sm := newTestManager(t, memstore.New(), true)

	var err error
	h := sm.Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, err = sm.Visitor(r.Context())
	}))
	send(h, "/", nil)

	assert.ErrorIs(t, err, errSessionNotFound)
}
