package site

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ghaggin/brochure/internal/config"
	"github.com/ghaggin/brochure/internal/metrics"
	"github.com/ghaggin/brochure/internal/middleware"
	"github.com/ghaggin/brochure/internal/template"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type page struct {
	path     string
	template string
	title    string
}

var pages = []page{
	{"/", "home.html", "Welcome Home"},
	{"/about", "about.html", "About Me"},
	{"/products", "products.html", "Our Products"},
}

type Site struct {
	log      *zap.Logger
	sessions *middleware.SessionManager
	renderer *template.Renderer
	db       Pinger

	env        string
	name       string
	staticDir  string
	reloadPort int

	server *http.Server
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   *config.Config
	Sessions *middleware.SessionManager
	Renderer *template.Renderer
	Pool     *pgxpool.Pool
}

func New(p Params) *Site {
	s := &Site{
		log:       p.Log.Named("site"),
		sessions:  p.Sessions,
		renderer:  p.Renderer,
		db:        p.Pool,
		env:       strings.ToLower(p.Config.Env),
		name:      p.Config.Name,
		staticDir: p.Config.Web.Static,
	}
	if p.Config.Development() {
		s.reloadPort = p.Config.Port + 1
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.Config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// RegisterHooks should be invoked by fx
func RegisterHooks(lc fx.Lifecycle, s *Site) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.server.Shutdown,
	})
}

func (s *Site) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.log.Info("server is running", zap.String("url", "http://127.0.0.1"+s.server.Addr))

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error serving http", zap.Error(err))
		}
	}()
	return nil
}

func (s *Site) Router() http.Handler {
	root := chi.NewRouter()
	root.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)

	root.Get("/healthz", s.healthz)
	root.Handle("/metrics", metrics.Handler())
	root.Handle("/static/*", http.StripPrefix("/static", http.FileServer(http.Dir(s.staticDir))))

	// Session
	root.Group(func(r chi.Router) {
		r.Use(s.sessions.Wrap)
		for _, p := range pages {
			r.Get(p.path, s.page(p))
		}
		r.Post("/logout", s.logout)
	})

	return root
}

func (s *Site) page(p page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		visitor := s.sessions.RecordVisit(r.Context(), r.URL.Path)

		err := s.renderer.Render(w, r, p.template, &template.Data{
			PageTitle:  p.title,
			Env:        s.env,
			SiteName:   s.name,
			Visits:     visitor.Visits,
			ReloadPort: s.reloadPort,
		})
		if err != nil {
			s.log.Error("error rendering page",
				zap.String("template", p.template),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

func (s *Site) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context()); err != nil {
		s.log.Warn("error destroying session", zap.Error(err))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Site) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn("health check: database unreachable", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
		return
	}

	_, _ = w.Write([]byte(`{"status":"ok","database":"ok"}`))
}
