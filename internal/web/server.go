// Package web serves a read-only browser view of relay's pipelines, queue and
// watches, plus a live event stream from the bus.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"segClass": func(status string) string {
		return "seg seg-" + status
	},
	"stageName": func(s pipeline.Stage) string {
		return s.Name()
	},
	"relTime":     relTime,
	"fmtDuration": fmtDuration,
}

// Options configures a Server. Bus is optional; without it the live stream
// endpoint reports that no bus is configured.
type Options struct {
	Bus     events.Bus
	Subject string
	// TrackerURL is the web URL of the tracker repository, e.g.
	// https://github.com/acme/tasks. Task pages link to it when set.
	TrackerURL string
	Logger     *slog.Logger
}

// Server is the read-only web UI server.
type Server struct {
	store pipeline.Store
	db    *db.DB
	opts  Options

	dashboardTmpl *template.Template
	pipelineTmpl  *template.Template
	queueTmpl     *template.Template

	now func() time.Time
}

// NewServer creates a Server with parsed templates.
func NewServer(store pipeline.Store, database *db.DB, opts Options) *Server {
	if opts.Subject == "" {
		opts.Subject = events.DefaultSubject
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		store:         store,
		db:            database,
		opts:          opts,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		pipelineTmpl:  mustParseTmpl("base.html", "pipeline.html"),
		queueTmpl:     mustParseTmpl("base.html", "queue.html"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler registers every route on a new mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /pipeline/{id}", s.handlePipelineDetail)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("GET /events/stream", s.handleEventStream)
	mux.HandleFunc("GET /api/pipelines", s.handleAPIPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleAPIPipeline)
	return mux
}

// Serve listens on addr until ctx is done, then shuts down. Open event streams
// end with ctx.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.opts.Logger.Info("web UI listening", "url", "http://"+ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// currentRepository reads the ?repo= query parameter from a request.
func currentRepository(r *http.Request) string {
	return r.URL.Query().Get("repo")
}

// sidebarData returns sidebar state for every repository seen on a record.
// currentRepo should be the ?repo= query param value (empty = All view).
func sidebarData(records []pipeline.Record, currentRepo string) SidebarData {
	type entry struct{ active int }
	counts := make(map[string]*entry)
	for _, r := range records {
		repo := r.Metadata.Repository
		if repo == "" {
			continue
		}
		e := counts[repo]
		if e == nil {
			e = &entry{}
			counts[repo] = e
		}
		if r.Status == pipeline.StatusInProgress {
			e.active++
		}
	}

	repos := make([]RepositorySidebarItem, 0, len(counts))
	for name, e := range counts {
		repos = append(repos, RepositorySidebarItem{
			Name:        name,
			ActiveCount: e.active,
			IsSelected:  name == currentRepo,
		})
	}
	sort.Slice(repos, func(i, j int) bool {
		return repos[i].Name < repos[j].Name
	})

	return SidebarData{Repositories: repos, CurrentRepository: currentRepo}
}
