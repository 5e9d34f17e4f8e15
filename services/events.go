package services

import (
	"time"

	"github.com/GrainArc/MapRectify/models"
)

// SessionEvent is published whenever a session changes stage or status.
type SessionEvent struct {
	Type      string    `json:"type"` // status, finished
	SessionID uint      `json:"session_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Note      string    `json:"note"`
	Time      time.Time `json:"time"`
}

// Notifier receives session events. The websocket hub implements it.
type Notifier interface {
	Notify(ev SessionEvent)
}

// EventFor describes the current state of a session.
func EventFor(s *models.Session) SessionEvent {
	typ := "status"
	if s.Stage == models.StageFinished {
		typ = "finished"
	}
	return SessionEvent{
		Type:      typ,
		SessionID: s.ID,
		Stage:     string(s.Stage),
		Status:    s.Status,
		Note:      s.Note,
		Time:      time.Now(),
	}
}
