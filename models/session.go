package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionType discriminates preparation and georeference sessions sharing one table.
type SessionType string

const (
	SessionPreparation  SessionType = "p"
	SessionGeoreference SessionType = "g"
)

// Display is the human readable session type.
func (t SessionType) Display() string {
	switch t {
	case SessionPreparation:
		return "Preparation"
	case SessionGeoreference:
		return "Georeference"
	default:
		return string(t)
	}
}

type Stage string

const (
	StageInput      Stage = "input"
	StageProcessing Stage = "processing"
	StageFinished   Stage = "finished"
)

// Status strings shared by both session types.
const (
	StatusInput   = "getting user input"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Session is one unit of user-directed work on a Document (preparation) or a
// Region (georeference).
type Session struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Type              SessionType    `gorm:"type:varchar(1);index" json:"type"`
	Stage             Stage          `gorm:"type:varchar(11);default:input" json:"stage"`
	Status            string         `gorm:"type:varchar(50)" json:"status"`
	MapID             uint           `gorm:"index" json:"map_id"`
	DocumentID        *uint          `gorm:"index" json:"document_id"`
	RegionID          *uint          `gorm:"index" json:"region_id"`
	LayerID           *uint          `gorm:"index" json:"layer_id"`
	Data              datatypes.JSON `json:"data"`
	Username          string         `gorm:"type:varchar(255);index" json:"username"`
	UserInputDuration *int           `json:"user_input_duration"`
	CreatedAt         time.Time      `json:"date_created"`
	ModifiedAt        time.Time      `json:"date_modified"`
	RunAt             *time.Time     `json:"date_run"`
	Note              string         `gorm:"type:varchar(255)" json:"note"`
	// LayerCreated is set when a georeference run made a new Layer rather than
	// updating the Region's existing one.
	LayerCreated bool `json:"-"`
	// PriorGCPs holds the canonical GCP GeoJSON as it was before this session
	// wrote its points back.
	PriorGCPs datatypes.JSON `json:"-"`
}

func (s *Session) String() string {
	return fmt.Sprintf("%s Session (%d)", s.Type.Display(), s.ID)
}

// BeforeSave rejects payloads that do not match the schema for the session type.
func (s *Session) BeforeSave(tx *gorm.DB) error {
	if len(s.Data) == 0 {
		d, err := DefaultSessionData(s.Type)
		if err != nil {
			return err
		}
		if err := s.SetPayload(d); err != nil {
			return err
		}
	}
	if err := ValidateSessionData(s.Type, s.Data); err != nil {
		return fmt.Errorf("%s data | %w", s, err)
	}
	s.ModifiedAt = time.Now()
	return nil
}

// Target returns the primary target of the session.
func (s *Session) Target() (Target, bool) {
	switch s.Type {
	case SessionPreparation:
		if s.DocumentID != nil {
			return DocumentTarget(*s.DocumentID), true
		}
	case SessionGeoreference:
		if s.RegionID != nil {
			return RegionTarget(*s.RegionID), true
		}
	}
	return Target{}, false
}

// Targets lists every record the session locks.
func (s *Session) Targets() []Target {
	var targets []Target
	if s.DocumentID != nil {
		targets = append(targets, DocumentTarget(*s.DocumentID))
	}
	if s.RegionID != nil {
		targets = append(targets, RegionTarget(*s.RegionID))
	}
	if s.LayerID != nil {
		targets = append(targets, LayerTarget(*s.LayerID))
	}
	return targets
}
