package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/pipeline"
)

// ---- view models ----

type DashboardData struct {
	Pipelines      []PipelineRow
	Watches        []WatchRow
	QueuePending   int
	RecentActivity []ActivityRow
	RepoSummary    []RepositorySummaryCard
	Sidebar        SidebarData
}

type PipelineRow struct {
	TaskID     string
	Title      string
	Status     string
	Stage      string
	Progress   int
	Repository string
	PRURL      string
	UpdatedAgo string
}

type RepositorySidebarItem struct {
	Name        string
	ActiveCount int
	IsSelected  bool
}

type SidebarData struct {
	Repositories      []RepositorySidebarItem
	CurrentRepository string // empty = All view
}

type RepositorySummaryCard struct {
	Name        string
	ActiveCount int
	TotalCount  int
	FailedCount int
}

type WatchRow struct {
	TaskID string
	Kind   string // "pr" or "review"
	Branch string
	State  string
	PRURL  string
	Since  string
}

type ActivityRow struct {
	TaskID  string
	Event   string
	Stage   string
	Detail  string
	TimeAgo string
}

type PipelineDetailData struct {
	Record      *pipeline.Record
	Progress    int
	StageOrder  []StageStatusItem
	Entries     []StageEntryView
	Events      []db.PipelineEvent
	Watch       *WatchRow
	QueueStatus string
	TaskURL     string
	IsActive    bool
	UpdatedAgo  string
	Sidebar     SidebarData
}

type StageStatusItem struct {
	Name     string
	Status   string // "done", "failed", "active", "skipped", "upcoming"
	Duration string
}

type StageEntryView struct {
	Name     string
	Status   string
	Started  string
	Duration string
	Agent    string
	Error    string
}

type QueueData struct {
	Items   []QueueRowView
	Sidebar SidebarData
}

type QueueRowView struct {
	TaskID         string
	Status         string
	Reason         string
	AddedAgo       string
	HasPipeline    bool
	PipelineStatus string
	Repository     string
}

// ---- helpers ----

func relTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func fmtDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}

func percent(p float64) int {
	return int(p*100 + 0.5)
}

func (s *Server) execTemplate(w http.ResponseWriter, tmpl interface {
	ExecuteTemplate(w io.Writer, name string, data any) error
}, data any) {
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pipelineRow(r *pipeline.Record, now time.Time) PipelineRow {
	sum := pipeline.Summarize(r, now)
	return PipelineRow{
		TaskID:     r.TaskID,
		Title:      r.TaskName,
		Status:     string(r.Status),
		Stage:      r.CurrentStage.Name(),
		Progress:   percent(sum.Progress),
		Repository: r.Metadata.Repository,
		PRURL:      r.Metadata.PRURL,
		UpdatedAgo: relTime(r.UpdatedAt),
	}
}

func prWatchRow(w db.PRWatch) WatchRow {
	return WatchRow{
		TaskID: w.TaskID,
		Kind:   "pr",
		Branch: w.Branch,
		State:  "waiting for pull request",
		Since:  relTime(w.StartedAt),
	}
}

func reviewWatchRow(w db.ReviewWatch) WatchRow {
	state := "waiting for review"
	if w.Stage == db.WaitingForFixes {
		state = "waiting for fixes"
	}
	return WatchRow{
		TaskID: w.TaskID,
		Kind:   "review",
		Branch: w.Branch,
		State:  fmt.Sprintf("%s (round %d of %d)", state, w.Iteration, w.MaxIterations),
		PRURL:  w.PRURL,
		Since:  relTime(w.StartedAt),
	}
}

// stageOrder lays the record's stage entries over the fixed visiting order.
func stageOrder(r *pipeline.Record) []StageStatusItem {
	items := make([]StageStatusItem, 0, len(pipeline.Order))
	for _, stage := range pipeline.Order {
		item := StageStatusItem{Name: stage.Name(), Status: "upcoming"}
		if e := r.Entry(stage); e != nil {
			switch e.Status {
			case pipeline.StatusCompleted:
				item.Status = "done"
			case pipeline.StatusFailed:
				item.Status = "failed"
			case pipeline.StatusInProgress:
				item.Status = "active"
			case pipeline.StatusSkipped:
				item.Status = "skipped"
			}
			item.Duration = fmtDuration(e.Duration)
		} else if r.Status.Terminal() && stage != pipeline.StageCompleted {
			item.Status = "skipped"
		}
		items = append(items, item)
	}
	return items
}

func filterByRepository(records []pipeline.Record, repo string) []pipeline.Record {
	if repo == "" {
		return records
	}
	var out []pipeline.Record
	for _, r := range records {
		if r.Metadata.Repository == repo {
			out = append(out, r)
		}
	}
	return out
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	repo := currentRepository(r)

	records, err := s.store.List(r.Context(), "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sidebar := sidebarData(records, repo)

	// Most recently active first.
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})

	var summary []RepositorySummaryCard
	if repo == "" {
		byRepo := make(map[string]*RepositorySummaryCard)
		for _, rec := range records {
			name := rec.Metadata.Repository
			if name == "" {
				continue
			}
			c := byRepo[name]
			if c == nil {
				c = &RepositorySummaryCard{Name: name}
				byRepo[name] = c
			}
			c.TotalCount++
			switch rec.Status {
			case pipeline.StatusInProgress:
				c.ActiveCount++
			case pipeline.StatusFailed:
				c.FailedCount++
			}
		}
		for _, c := range byRepo {
			summary = append(summary, *c)
		}
		sort.Slice(summary, func(i, j int) bool { return summary[i].Name < summary[j].Name })
	}

	now := s.now()
	data := DashboardData{RepoSummary: summary, Sidebar: sidebar}
	shown := filterByRepository(records, repo)
	for i := range shown {
		data.Pipelines = append(data.Pipelines, pipelineRow(&shown[i], now))
	}

	if s.db != nil {
		if prs, err := s.db.PRWatches(); err == nil {
			for _, pw := range prs {
				data.Watches = append(data.Watches, prWatchRow(pw))
			}
		}
		if reviews, err := s.db.ReviewWatches(); err == nil {
			for _, rw := range reviews {
				data.Watches = append(data.Watches, reviewWatchRow(rw))
			}
		}
		if pending, err := s.db.QueueList("pending"); err == nil {
			data.QueuePending = len(pending)
		}
		activity, _ := s.recentActivity(20)
		for _, e := range activity {
			data.RecentActivity = append(data.RecentActivity, ActivityRow{
				TaskID:  e.TaskID,
				Event:   e.Event,
				Stage:   e.Stage,
				Detail:  e.Detail,
				TimeAgo: relTime(e.Timestamp),
			})
		}
	}

	s.execTemplate(w, s.dashboardTmpl, data)
}

// ---- Pipeline detail ----

func (s *Server) handlePipelineDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, pipeline.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	all, _ := s.store.List(r.Context(), "")
	sum := pipeline.Summarize(rec, s.now())
	data := PipelineDetailData{
		Record:     rec,
		Progress:   percent(sum.Progress),
		StageOrder: stageOrder(rec),
		IsActive:   rec.Status == pipeline.StatusInProgress,
		UpdatedAgo: relTime(rec.UpdatedAt),
		Sidebar:    sidebarData(all, rec.Metadata.Repository),
	}
	if s.opts.TrackerURL != "" {
		data.TaskURL = strings.TrimSuffix(s.opts.TrackerURL, "/") + "/issues/" + rec.TaskID
	}

	for _, e := range rec.Stages {
		v := StageEntryView{
			Name:     e.Name,
			Status:   string(e.Status),
			Started:  e.StartedAt.Format("2006-01-02 15:04:05"),
			Duration: fmtDuration(e.Duration),
			Error:    e.Error,
		}
		if run, ok := rec.Metadata.Agents[string(e.Stage)]; ok {
			v.Agent = run.Agent
		}
		data.Entries = append(data.Entries, v)
	}

	if s.db != nil {
		data.Events, _ = s.db.GetPipelineHistory(id)
		data.Watch = s.watchFor(id)
		if items, err := s.db.QueueList(""); err == nil {
			for _, q := range items {
				if q.TaskID == id {
					data.QueueStatus = q.Status
				}
			}
		}
	}

	s.execTemplate(w, s.pipelineTmpl, data)
}

func (s *Server) watchFor(taskID string) *WatchRow {
	if prs, err := s.db.PRWatches(); err == nil {
		for _, pw := range prs {
			if pw.TaskID == taskID {
				row := prWatchRow(pw)
				return &row
			}
		}
	}
	if reviews, err := s.db.ReviewWatches(); err == nil {
		for _, rw := range reviews {
			if rw.TaskID == taskID {
				row := reviewWatchRow(rw)
				return &row
			}
		}
	}
	return nil
}

// ---- Queue ----

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	repo := currentRepository(r)

	records, err := s.store.List(r.Context(), "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	byTask := make(map[string]*pipeline.Record, len(records))
	for i := range records {
		byTask[records[i].TaskID] = &records[i]
	}

	data := QueueData{Sidebar: sidebarData(records, repo)}
	if s.db != nil {
		items, err := s.db.QueueList("")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, q := range items {
			row := QueueRowView{
				TaskID:   q.TaskID,
				Status:   q.Status,
				Reason:   q.Reason,
				AddedAgo: relTime(q.AddedAt),
			}
			if p, ok := byTask[q.TaskID]; ok {
				row.HasPipeline = true
				row.PipelineStatus = string(p.Status)
				row.Repository = p.Metadata.Repository
			}
			if repo != "" && row.Repository != repo {
				continue
			}
			data.Items = append(data.Items, row)
		}
	}

	s.execTemplate(w, s.queueTmpl, data)
}

// ---- JSON API ----

func (s *Server) handleAPIPipelines(w http.ResponseWriter, r *http.Request) {
	status := pipeline.Status(r.URL.Query().Get("status"))
	records, err := s.store.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	records = filterByRepository(records, currentRepository(r))

	now := s.now()
	out := make([]pipeline.Summary, len(records))
	for i := range records {
		out[i] = pipeline.Summarize(&records[i], now)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIPipeline(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
