package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/ghaggin/brochure/internal/config"
	"github.com/ghaggin/brochure/internal/metrics"
	"github.com/ghaggin/brochure/internal/model"
	"github.com/ghaggin/brochure/internal/sessionstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	errSessionNotFound = errors.New("session not found")
)

type Options struct {
	CookieName string
	Secrets    []string
	Lifetime   time.Duration
	// Secure is false only in development.
	Secure bool
}

type SessionManager struct {
	impl     *scs.SessionManager
	signer   *Signer
	lifetime time.Duration
	log      *zap.Logger
}

type Params struct {
	fx.In

	Config *config.Config
	Store  *sessionstore.Store
	Log    *zap.Logger
}

func NewSessionManager(p Params) (*SessionManager, error) {
	return NewSessionManagerWithStore(p.Store, Options{
		CookieName: p.Config.Session.CookieName,
		Secrets:    p.Config.Session.Secrets,
		Lifetime:   p.Config.Session.Lifetime,
		Secure:     !p.Config.Development(),
	}, p.Log)
}

func NewSessionManagerWithStore(store scs.Store, opts Options, log *zap.Logger) (*SessionManager, error) {
	signer, err := NewSigner(opts.CookieName, opts.Secrets, opts.Lifetime)
	if err != nil {
		return nil, err
	}

	log = log.Named("session")

	impl := scs.New()
	impl.Store = &degradingStore{store: store, log: log}
	impl.Codec = sessionstore.TolerantCodec{
		Codec:    sessionstore.Codec{},
		Lifetime: opts.Lifetime,
		Log:      log,
	}
	impl.Lifetime = opts.Lifetime
	impl.HashTokenInStore = true
	impl.Cookie.Name = opts.CookieName
	impl.Cookie.HttpOnly = true
	impl.Cookie.Secure = opts.Secure
	impl.Cookie.Persist = true
	impl.Cookie.SameSite = http.SameSiteLaxMode
	impl.ErrorFunc = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("session error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}

	return &SessionManager{
		impl:     impl,
		signer:   signer,
		lifetime: opts.Lifetime,
		log:      log,
	}, nil
}

// Wrap loads the session before next and saves it after, with the cookie
// signature checked on the way in and added on the way out.
func (s *SessionManager) Wrap(next http.Handler) http.Handler {
	return s.signer.Wrap(s.impl.LoadAndSave(next))
}

func (s *SessionManager) Visitor(ctx context.Context) (*model.Visitor, error) {
	visitor, ok := s.impl.Get(ctx, sessionstore.VisitorKey).(*model.Visitor)
	if !ok {
		return nil, errSessionNotFound
	}

	return visitor, nil
}

// RecordVisit counts a page view, which also renews the session's expiry.
func (s *SessionManager) RecordVisit(ctx context.Context, page string) *model.Visitor {
	visitor := &model.Visitor{FirstSeen: time.Now().UTC()}
	if prev, err := s.Visitor(ctx); err == nil {
		*visitor = *prev
	}

	visitor.Visits++
	visitor.LastPage = page

	s.impl.Put(ctx, sessionstore.VisitorKey, visitor)
	s.impl.SetDeadline(ctx, time.Now().Add(s.lifetime))
	return visitor
}

// Destroy deletes the session row and expires the cookie.
func (s *SessionManager) Destroy(ctx context.Context) error {
	return s.impl.Destroy(ctx)
}

// degradingStore turns store failures into "no session" so a database
// outage never fails a page load.
type degradingStore struct {
	store scs.Store
	log   *zap.Logger
}

func (d *degradingStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	var (
		b     []byte
		found bool
		err   error
	)
	if cs, ok := d.store.(scs.CtxStore); ok {
		b, found, err = cs.FindCtx(ctx, token)
	} else {
		b, found, err = d.store.Find(token)
	}
	if err != nil {
		d.fail("find", err)
		return nil, false, nil
	}
	return b, found, nil
}

func (d *degradingStore) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	var err error
	if cs, ok := d.store.(scs.CtxStore); ok {
		err = cs.CommitCtx(ctx, token, b, expiry)
	} else {
		err = d.store.Commit(token, b, expiry)
	}
	if err != nil {
		d.fail("commit", err)
	}
	return nil
}

func (d *degradingStore) DeleteCtx(ctx context.Context, token string) error {
	var err error
	if cs, ok := d.store.(scs.CtxStore); ok {
		err = cs.DeleteCtx(ctx, token)
	} else {
		err = d.store.Delete(token)
	}
	if err != nil {
		d.fail("delete", err)
	}
	return nil
}

func (d *degradingStore) Find(token string) ([]byte, bool, error) {
	return d.FindCtx(context.Background(), token)
}

func (d *degradingStore) Commit(token string, b []byte, expiry time.Time) error {
	return d.CommitCtx(context.Background(), token, b, expiry)
}

func (d *degradingStore) Delete(token string) error {
	return d.DeleteCtx(context.Background(), token)
}

func (d *degradingStore) fail(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	d.log.Warn("session store failed, continuing without session", zap.String("op", op), zap.Error(err))
}
