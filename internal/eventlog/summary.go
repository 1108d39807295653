package eventlog

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"cc_session_hub/internal/event"
)

const firstPromptLimit = 200

// Summary is what the session index needs to know about a log without
// keeping its events in memory.
type Summary struct {
	SessionID      string
	Title          string
	CustomTitle    bool
	FirstPrompt    string
	FirstMessageID string
	WorkingDir     string
	EventCount     int
	Created        time.Time
	LastEvent      time.Time
	Modified       time.Time
}

// Observe folds one event into the summary.
func (s *Summary) Observe(ev *event.Event) {
	if !ev.Kind.Persistent() {
		return
	}
	if ev.Kind != event.KindPermissionResolved {
		s.EventCount++
	}
	if !ev.Timestamp.IsZero() {
		if s.Created.IsZero() || ev.Timestamp.Before(s.Created) {
			s.Created = ev.Timestamp
		}
		if ev.Timestamp.After(s.LastEvent) {
			s.LastEvent = ev.Timestamp
		}
	}
	if s.FirstMessageID == "" && (ev.Kind == event.KindUser || ev.Kind == event.KindAssistant) {
		s.FirstMessageID = ev.ID
	}
	if s.FirstPrompt == "" {
		if text, ok := event.UserText(ev); ok {
			s.FirstPrompt = excerpt(text, firstPromptLimit)
		}
	}
	if title := event.Title(ev); title != "" {
		custom := event.IsCustomTitle(ev)
		if custom || !s.CustomTitle {
			s.Title = title
			s.CustomTitle = s.CustomTitle || custom
		}
	}
	if s.WorkingDir == "" {
		var rec struct {
			CWD string `json:"cwd"`
		}
		if json.Unmarshal(ev.Raw, &rec) == nil && rec.CWD != "" {
			s.WorkingDir = rec.CWD
		}
	}
}

// DisplayTitle is the title, or the first prompt when untitled.
func (s *Summary) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return s.FirstPrompt
}

func excerpt(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

type summaryEntry struct {
	size    int64
	modTime time.Time
	offset  int64
	summary Summary
}

// Summarize returns the summary of one file. Results are cached by path and
// a grown file is parsed only from where the previous parse stopped.
func (s *Store) Summarize(f File) (Summary, error) {
	entry, ok := s.summaries.Get(f.Path)
	if ok && entry.size == f.Size && entry.modTime.Equal(f.ModTime) {
		return entry.summary, nil
	}

	next := &summaryEntry{summary: Summary{SessionID: f.SessionID}}
	if ok && f.Size >= entry.offset {
		next.offset = entry.offset
		next.summary = entry.summary
	}

	offset, err := readFrom(s.log, f.Path, next.offset, f.Writable, func(rec Record) error {
		next.summary.Observe(event.Parse(rec.Raw))
		return nil
	})
	if err != nil {
		return next.summary, err
	}
	next.offset = offset
	next.size = f.Size
	next.modTime = f.ModTime
	next.summary.Modified = f.ModTime
	s.summaries.Add(f.Path, next)
	return next.summary, nil
}
