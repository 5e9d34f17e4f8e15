package models

import (
	"time"

	"gorm.io/datatypes"
)

// Map is one atlas volume or other multi-sheet item.
type Map struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Identifier string         `gorm:"type:varchar(255);uniqueIndex" json:"identifier"`
	Title      string         `gorm:"type:varchar(255)" json:"title"`
	ItemLookup datatypes.JSON `json:"item_lookup"` // written by the lookup aggregator
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
