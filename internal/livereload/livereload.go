// Package livereload tells development browsers to refresh when a template
// or static file changes.
package livereload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghaggin/brochure/internal/config"
	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	reloadMessage = "reload"
	writeTimeout  = time.Second
)

type Server struct {
	log      *zap.Logger
	addr     string
	dirs     []string
	debounce time.Duration

	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}

	listener net.Listener
	server   *http.Server
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	stopCh   chan struct{}
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Config *config.Config
}

func New(p Params) *Server {
	return NewServer(p.Log, fmt.Sprintf(":%d", p.Config.Port+1), p.Config.Web.Templates, p.Config.Web.Static)
}

func NewServer(log *zap.Logger, addr string, dirs ...string) *Server {
	return &Server{
		log:      log.Named("livereload"),
		addr:     addr,
		dirs:     dirs,
		debounce: 200 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // development only
			},
		},
		clients: map[*websocket.Conn]struct{}{},
		stopCh:  make(chan struct{}),
	}
}

// RegisterHooks should be invoked by fx. Live reload only runs in development.
func RegisterHooks(lc fx.Lifecycle, cfg *config.Config, s *Server) {
	if !cfg.Development() {
		return
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

// Start never fails the application; problems are logged and reload is
// simply unavailable.
func (s *Server) Start(_ context.Context) error {
	if err := s.watch(); err != nil {
		s.log.Error("failed to watch for changes", zap.Error(err))
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Error("failed to start websocket server", zap.Error(err))
		return nil
	}
	s.listener = ln
	s.server = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}

	s.log.Info("websocket server is running", zap.String("addr", ln.Addr().String()))

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)

	if s.watcher != nil {
		_ = s.watcher.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		_ = c.Close()
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr is the bound listener address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Clients never send anything; reading just notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends msg to every connected browser, dropping the ones that
// can't keep up.
func (s *Server) Broadcast(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			s.log.Debug("dropping reload client", zap.Error(err))
			_ = c.Close()
			delete(s.clients, c)
		}
	}
}

func (s *Server) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	for _, dir := range s.dirs {
		if err := s.addTree(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go s.run()
	return nil
}

// addTree watches root and every directory below it. fsnotify is not
// recursive, so directories created later are added from run.
func (s *Server) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *Server) run() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := s.addTree(event.Name); err != nil {
						s.log.Warn("watching new directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.log.Debug("file change detected",
					zap.String("file", filepath.Base(event.Name)),
					zap.String("op", event.Op.String()))
				s.scheduleReload()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("file watcher error", zap.Error(err))

		case <-s.stopCh:
			return
		}
	}
}

// scheduleReload collapses a burst of changes (editors write several times
// per save) into one reload. Only called from run.
func (s *Server) scheduleReload() {
	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(s.debounce, func() {
		s.Broadcast(reloadMessage)
	})
}
