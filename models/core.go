package models

import (
	"errors"
	"log"

	"gorm.io/gorm"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("record not found")

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	models := []interface{}{
		&Map{},
		&Document{},
		&Region{},
		&Layer{},
		&GCPGroup{},
		&GCP{},
		&Session{},
		&SessionLock{},
		&LayerSetCategory{},
		&LayerSet{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return seedCategories(db)
}

// seedCategories makes sure the default layerset categories exist.
func seedCategories(db *gorm.DB) error {
	defaults := []LayerSetCategory{
		{Slug: CategoryMainContent, DisplayName: "Main Content", IsGeospatial: true},
		{Slug: CategoryKeyMap, DisplayName: "Key Map", IsGeospatial: true},
		{Slug: CategoryCongestedDistrict, DisplayName: "Congested District Map", IsGeospatial: true},
		{Slug: CategoryGraphicMap, DisplayName: "Graphic Map of Volumes", IsGeospatial: true},
	}
	for _, cat := range defaults {
		var existing LayerSetCategory
		err := db.Where("slug = ?", cat.Slug).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c := cat
			if err := db.Create(&c).Error; err != nil {
				log.Printf("create layerset category %s: %v", cat.Slug, err)
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
