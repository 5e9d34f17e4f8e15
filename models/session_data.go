package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb/geojson"
	"gorm.io/datatypes"
)

// ErrInvalidSessionData marks a payload that does not fit its session type.
// It always points at a programming error upstream.
var ErrInvalidSessionData = errors.New("invalid session data")

// SessionData is the typed payload of a session, one variant per session type.
type SessionData interface {
	SessionType() SessionType
}

// PrepData is the payload of a preparation session.
type PrepData struct {
	SplitNeeded bool           `json:"split_needed"`
	Cutlines    [][][2]float64 `json:"cutlines"`
	Divisions   [][][2]float64 `json:"divisions"`
}

func (PrepData) SessionType() SessionType { return SessionPreparation }

// GeorefData is the payload of a georeference session. GCPs is the working copy
// of the control points until the session succeeds.
type GeorefData struct {
	GCPs           *geojson.FeatureCollection `json:"gcps"`
	Transformation string                     `json:"transformation"`
	EPSG           int                        `json:"epsg"`
}

func (GeorefData) SessionType() SessionType { return SessionGeoreference }

// DefaultSessionData is the payload every new session starts with.
func DefaultSessionData(t SessionType) (SessionData, error) {
	switch t {
	case SessionPreparation:
		return PrepData{Cutlines: [][][2]float64{}, Divisions: [][][2]float64{}}, nil
	case SessionGeoreference:
		return GeorefData{GCPs: geojson.NewFeatureCollection(), Transformation: "poly1", EPSG: 3857}, nil
	default:
		return nil, fmt.Errorf("%w: invalid session type %q", ErrInvalidSessionData, t)
	}
}

type jsonKind int

const (
	kindBool jsonKind = iota
	kindArray
	kindObject
	kindString
	kindInt
)

func (k jsonKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindArray:
		return "list"
	case kindObject:
		return "dict"
	case kindString:
		return "str"
	case kindInt:
		return "int"
	}
	return "unknown"
}

var sessionSchemas = map[SessionType]map[string]jsonKind{
	SessionPreparation: {
		"split_needed": kindBool,
		"cutlines":     kindArray,
		"divisions":    kindArray,
	},
	SessionGeoreference: {
		"gcps":           kindObject,
		"transformation": kindString,
		"epsg":           kindInt,
	},
}

// ValidateSessionData checks keys and value types of a raw payload against the
// schema of the session type. Value content (GeoJSON etc.) is not checked here.
func ValidateSessionData(t SessionType, raw []byte) error {
	schema, ok := sessionSchemas[t]
	if !ok {
		return fmt.Errorf("%w: invalid session type %q", ErrInvalidSessionData, t)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionData, err)
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		want, ok := schema[k]
		if !ok {
			return fmt.Errorf("%w: invalid key: %s", ErrInvalidSessionData, k)
		}
		if !isKind(data[k], want) {
			return fmt.Errorf("%w: invalid type: %s is %T, must be %s", ErrInvalidSessionData, k, data[k], want)
		}
	}
	return nil
}

func isKind(v interface{}, k jsonKind) bool {
	switch k {
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindArray:
		_, ok := v.([]interface{})
		return ok
	case kindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case kindString:
		_, ok := v.(string)
		return ok
	case kindInt:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	}
	return false
}

// Payload decodes the session data into the variant for its type.
func (s *Session) Payload() (SessionData, error) {
	if err := ValidateSessionData(s.Type, s.Data); err != nil {
		return nil, fmt.Errorf("%s data | %w", s, err)
	}
	switch s.Type {
	case SessionPreparation:
		d := PrepData{}
		if err := json.Unmarshal(s.Data, &d); err != nil {
			return nil, fmt.Errorf("%s data | %w: %v", s, ErrInvalidSessionData, err)
		}
		return d, nil
	case SessionGeoreference:
		d := GeorefData{}
		if err := json.Unmarshal(s.Data, &d); err != nil {
			return nil, fmt.Errorf("%s data | %w: %v", s, ErrInvalidSessionData, err)
		}
		if d.GCPs == nil {
			d.GCPs = geojson.NewFeatureCollection()
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: invalid session type %q", ErrInvalidSessionData, s.Type)
}

// SetPayload replaces the session data. The variant must match the session type.
func (s *Session) SetPayload(d SessionData) error {
	if d.SessionType() != s.Type {
		return fmt.Errorf("%w: %s payload on %s session", ErrInvalidSessionData, d.SessionType().Display(), s.Type.Display())
	}
	switch v := d.(type) {
	case PrepData:
		if v.Cutlines == nil {
			v.Cutlines = [][][2]float64{}
		}
		if v.Divisions == nil {
			v.Divisions = [][][2]float64{}
		}
		d = v
	case GeorefData:
		if v.GCPs == nil {
			v.GCPs = geojson.NewFeatureCollection()
		}
		d = v
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionData, err)
	}
	s.Data = datatypes.JSON(raw)
	return nil
}
