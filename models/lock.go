package models

import (
	"fmt"
	"time"
)

type TargetKind string

const (
	TargetDocument TargetKind = "document"
	TargetRegion   TargetKind = "region"
	TargetLayer    TargetKind = "layer"
)

// Target references a lockable record.
type Target struct {
	Kind TargetKind
	ID   uint
}

func DocumentTarget(id uint) Target { return Target{Kind: TargetDocument, ID: id} }
func RegionTarget(id uint) Target   { return Target{Kind: TargetRegion, ID: id} }
func LayerTarget(id uint) Target    { return Target{Kind: TargetLayer, ID: id} }

func (t Target) String() string {
	return fmt.Sprintf("%s %d", t.Kind, t.ID)
}

func (t Target) Valid() bool {
	switch t.Kind {
	case TargetDocument, TargetRegion, TargetLayer:
		return t.ID != 0
	}
	return false
}

// SessionLock gives one session exclusive edit access to one target until it expires.
type SessionLock struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      uint       `gorm:"index" json:"session_id"`
	TargetKind     TargetKind `gorm:"type:varchar(20);index:idx_lock_target" json:"target_type"`
	TargetID       uint       `gorm:"index:idx_lock_target" json:"target_id"`
	Username       string     `gorm:"type:varchar(255)" json:"user"`
	ExpirationTime time.Time  `gorm:"index" json:"expiration"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (l *SessionLock) Target() Target {
	return Target{Kind: l.TargetKind, ID: l.TargetID}
}

func (l *SessionLock) Live(now time.Time) bool {
	return now.Before(l.ExpirationTime)
}

func (l *SessionLock) String() string {
	return fmt.Sprintf("session %d lock on %s", l.SessionID, l.Target())
}
