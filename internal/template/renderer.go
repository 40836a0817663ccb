package template

import (
	"bytes"
	"html/template"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/ghaggin/brochure/internal/config"
)

const (
	baseTemplate string = "base.html"
)

type Data struct {
	PageTitle string
	Env       string
	SiteName  string
	Visits    int
	// ReloadPort is set in development so the page can open the reload socket.
	ReloadPort int
}

// Renderer executes a page template inside base.html. Outside development
// parsed templates are cached; in development they are re-read every time.
type Renderer struct {
	dir   string
	cache bool

	mu     sync.RWMutex
	parsed map[string]*template.Template
}

func New(cfg *config.Config) *Renderer {
	return NewRenderer(cfg.Web.Templates, !cfg.Development())
}

func NewRenderer(dir string, cache bool) *Renderer {
	return &Renderer{
		dir:    dir,
		cache:  cache,
		parsed: map[string]*template.Template{},
	}
}

func (rd *Renderer) Render(w http.ResponseWriter, _ *http.Request, tmpl string, td any) error {
	t, err := rd.lookup(tmpl)
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}

	err = t.ExecuteTemplate(buf, baseTemplate, td)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err = buf.WriteTo(w)
	return err
}

func (rd *Renderer) lookup(tmpl string) (*template.Template, error) {
	if rd.cache {
		rd.mu.RLock()
		t, ok := rd.parsed[tmpl]
		rd.mu.RUnlock()
		if ok {
			return t, nil
		}
	}

	t, err := template.ParseFiles(
		filepath.Join(rd.dir, baseTemplate),
		filepath.Join(rd.dir, tmpl),
	)
	if err != nil {
		return nil, err
	}

	if rd.cache {
		rd.mu.Lock()
		rd.parsed[tmpl] = t
		rd.mu.Unlock()
	}

	return t, nil
}
