package watcher

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// CommitKind is the classification of a commit observed on a watched branch.
type CommitKind int

const (
	CommitOther CommitKind = iota
	CommitReview
	CommitFix
)

func (k CommitKind) String() string {
	switch k {
	case CommitReview:
		return "review"
	case CommitFix:
		return "fix"
	}
	return "other"
}

// Default commit markers, matched case-insensitively.
const (
	DefaultReviewMarker = `\breview(ed)?\b`
	DefaultFixMarker    = `\bfix(es|ed)?\b`
	DefaultTODOMarker   = `\bTODO\b`
)

// Classifier sorts commit messages into review and fix commits.
type Classifier struct {
	review *regexp2.Regexp
	fix    *regexp2.Regexp
	todo   *regexp2.Regexp
}

// NewClassifier compiles the three markers. Empty patterns fall back to the defaults.
func NewClassifier(review, fix, todo string) (*Classifier, error) {
	var c Classifier
	var err error
	if c.review, err = compileMarker(review, DefaultReviewMarker); err != nil {
		return nil, fmt.Errorf("review marker: %w", err)
	}
	if c.fix, err = compileMarker(fix, DefaultFixMarker); err != nil {
		return nil, fmt.Errorf("fix marker: %w", err)
	}
	if c.todo, err = compileMarker(todo, DefaultTODOMarker); err != nil {
		return nil, fmt.Errorf("todo marker: %w", err)
	}
	return &c, nil
}

// DefaultClassifier returns a classifier using the default markers.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier("", "", "")
	if err != nil {
		panic(err)
	}
	return c
}

func compileMarker(pattern, fallback string) (*regexp2.Regexp, error) {
	if pattern == "" {
		pattern = fallback
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = time.Second
	return re, nil
}

// Classify returns CommitFix when the message carries both a fix and a TODO
// marker, CommitReview when it carries a review or TODO marker, and CommitOther
// otherwise. The fix check runs first.
func (c *Classifier) Classify(message string) CommitKind {
	todo := matches(c.todo, message)
	if todo && matches(c.fix, message) {
		return CommitFix
	}
	if todo || matches(c.review, message) {
		return CommitReview
	}
	return CommitOther
}

func matches(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	return err == nil && ok
}
