package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T, secrets ...string) *Signer {
	t.Helper()
	s, err := NewSigner("sid", secrets, 24*time.Hour)
	require.NoError(t, err)
	return s
}

func Test_Signer_verify(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestSigner(t, "secret")

	signed, err := s.Sign("abc-123_x")
	require.Nil(err)
	assert.NotContains(signed, ";")

	token, ok := s.Verify(signed)
	assert.True(ok)
	assert.Equal("abc-123_x", token)

	_, ok = s.Verify("abc-123_x")
	assert.False(ok)
	tampered := []byte(signed)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	_, ok = s.Verify(string(tampered))
	assert.False(ok)
	_, ok = s.Verify("")
	assert.False(ok)
}

func Test_Signer_otherCookieName(t *testing.T) {
	s := newTestSigner(t, "secret")
	other, err := NewSigner("theme", []string{"secret"}, time.Hour)
	require.NoError(t, err)

	signed, err := other.Sign("tok")
	require.NoError(t, err)

	_, ok := s.Verify(signed)
	assert.False(t, ok)
}

func Test_Signer_rotation(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	old := newTestSigner(t, "old")
	rotated := newTestSigner(t, "new", "old")
	stranger := newTestSigner(t, "new")

	signedWithOld, err := old.Sign("tok")
	require.Nil(err)

	token, ok := rotated.Verify(signedWithOld)
	assert.True(ok)
	assert.Equal("tok", token)

	_, ok = stranger.Verify(signedWithOld)
	assert.False(ok)

	signedWithNew, err := rotated.Sign("tok")
	require.Nil(err)
	_, ok = stranger.Verify(signedWithNew)
	assert.True(ok)
}

func Test_NewSigner_noSecret(t *testing.T) {
	_, err := NewSigner("sid", []string{"", ""}, time.Hour)
	assert.ErrorIs(t, err, errNoSecret)
}

func Test_Signer_Wrap(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestSigner(t, "secret")

	var seen string
	handler := s.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			seen = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "fresh", Path: "/", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: "theme", Value: "dark"})
	}))

	signed, err := s.Sign("tok")
	require.Nil(err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "sid", Value: signed})
	r.AddCookie(&http.Cookie{Name: "theme", Value: "light"})
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, r)
	assert.Equal("tok", seen)

	byName := map[string]*http.Cookie{}
	for _, c := range rr.Result().Cookies() {
		byName[c.Name] = c
	}
	require.Contains(byName, "sid")
	token, ok := s.Verify(byName["sid"].Value)
	assert.True(ok)
	assert.Equal("fresh", token)
	assert.True(byName["sid"].HttpOnly)
	assert.Equal("dark", byName["theme"].Value)
}

func Test_Signer_Wrap_dropsForgedCookie(t *testing.T) {
	assert := assert.New(t)

	s := newTestSigner(t, "secret")

	hasSID := true
	theme := ""
	handler := s.Wrap(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, err := r.Cookie("sid")
		hasSID = err == nil
		if c, err := r.Cookie("theme"); err == nil {
			theme = c.Value
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "sid", Value: "tok.forged"})
	r.AddCookie(&http.Cookie{Name: "theme", Value: "light"})

	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.False(hasSID)
	assert.Equal("light", theme)
}
