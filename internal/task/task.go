// Package task holds the tracker and host values shared by relay's components.
package task

import (
	"strings"
	"time"
)

// RepoLabelPrefix marks a label naming the repository a task targets, e.g. "repo:web".
const RepoLabelPrefix = "repo:"

// Task is one unit of work detected in the tracker.
type Task struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	URL    string   `json:"url"`
}

// Repository returns the repository named by a repo: label, or "".
func (t Task) Repository() string {
	for _, l := range t.Labels {
		if strings.HasPrefix(l, RepoLabelPrefix) {
			return strings.TrimPrefix(l, RepoLabelPrefix)
		}
	}
	return ""
}

// Comment is one tracker comment on a task.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest is the host's answer to a pull-request lookup by branch.
type PullRequest struct {
	Found  bool   `json:"found"`
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// Commit is the head commit of a branch.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}
