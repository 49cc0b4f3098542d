package memory

import (
	"strings"
	"time"
)

// Kind discriminates the MemoryItem variants.
type Kind string

const (
	// KindEpisode is a consolidated summary of a conversation segment.
	KindEpisode Kind = "episode"
	// KindEventLog is a single atomic fact extracted from an episode.
	KindEventLog Kind = "event_log"
)

// Episode is the episodic (memcell) variant.
type Episode struct {
	EpisodeText  string    `json:"episode_text"`
	Summary      string    `json:"summary,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Participants []string  `json:"participants,omitempty"`
}

// EventLogFact is the atomic-fact variant.
type EventLogFact struct {
	AtomicFact      string    `json:"atomic_fact"`
	Timestamp       time.Time `json:"timestamp"`
	ParentEpisodeID string    `json:"parent_episode_id,omitempty"`
}

// MemoryItem is a tagged union over Episode and EventLogFact. Exactly one
// of Episode or EventLog is set, matching Kind. ID is the deduplication
// key across backends and rounds.
type MemoryItem struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`

	Episode  *Episode      `json:"episode,omitempty"`
	EventLog *EventLogFact `json:"event_log,omitempty"`
}

// NewEpisode wraps ep as a MemoryItem.
func NewEpisode(id string, ep Episode) MemoryItem {
	return MemoryItem{ID: id, Kind: KindEpisode, Episode: &ep}
}

// NewEventLog wraps fact as a MemoryItem.
func NewEventLog(id string, fact EventLogFact) MemoryItem {
	return MemoryItem{ID: id, Kind: KindEventLog, EventLog: &fact}
}

// Timestamp returns the variant's timestamp, zero when unset.
func (m MemoryItem) Timestamp() time.Time {
	switch {
	case m.Episode != nil:
		return m.Episode.Timestamp
	case m.EventLog != nil:
		return m.EventLog.Timestamp
	}
	return time.Time{}
}

// Subject returns the episode subject; event-log facts have none.
func (m MemoryItem) Subject() string {
	if m.Episode != nil {
		return m.Episode.Subject
	}
	return ""
}

// Participants returns the episode participants; event-log facts have none.
func (m MemoryItem) Participants() []string {
	if m.Episode != nil {
		return m.Episode.Participants
	}
	return nil
}

// Content is the text shown to an LLM: the summary when present, else the
// full episode text, or the atomic fact.
func (m MemoryItem) Content() string {
	switch {
	case m.Episode != nil:
		if m.Episode.Summary != "" {
			return m.Episode.Summary
		}
		return m.Episode.EpisodeText
	case m.EventLog != nil:
		return m.EventLog.AtomicFact
	}
	return ""
}

// SearchText is the text indexed by the lexical and vector backends.
func (m MemoryItem) SearchText() string {
	switch {
	case m.Episode != nil:
		parts := make([]string, 0, 3)
		for _, s := range []string{m.Episode.Subject, m.Episode.Summary, m.Episode.EpisodeText} {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case m.EventLog != nil:
		return m.EventLog.AtomicFact
	}
	return ""
}
