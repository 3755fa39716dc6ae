package projects

import (
	"time"

	"gorm.io/datatypes"
)

// Project groups generated assets. Names are not unique; callers
// disambiguate by id.
type Project struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null;index" json:"name"`
	Description *string   `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// Asset is one generated output file recorded at session completion.
// Immutable after creation.
type Asset struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	ProjectID  uint64         `gorm:"not null;index" json:"project_id"`
	Name       string         `gorm:"size:120;not null" json:"name"`
	Kind       string         `gorm:"size:16;not null" json:"kind"`
	Format     string         `gorm:"size:16;not null" json:"format"`
	FilePath   string         `gorm:"size:512;not null" json:"file_path"`
	StorageKey string         `gorm:"size:512" json:"-"`
	Params     datatypes.JSON `gorm:"type:json" json:"params,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Asset) TableName() string {
	return "assets"
}

const (
	AssetKindMesh  = "mesh"
	AssetKindImage = "image"
)
