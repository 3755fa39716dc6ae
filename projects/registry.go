package projects

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrUnknownProject is returned when an operation references a project
	// id that does not exist.
	ErrUnknownProject = errors.New("projects: unknown project")
	// ErrUnknownAsset is returned when an asset id does not exist under the
	// given project.
	ErrUnknownAsset = errors.New("projects: unknown asset")
)

// Registry is the durable source of truth for projects and the assets
// produced inside them.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("projects: registry requires a database handle")
	}
	if err := db.AutoMigrate(&Project{}, &Asset{}); err != nil {
		return nil, fmt.Errorf("projects: migrate tables: %w", err)
	}
	return &Registry{db: db}, nil
}

// NewRegistryFromEnv opens the database named by DATABASE_DSN and migrates
// the schema. DATABASE_DRIVER may be omitted when the DSN shape identifies
// the driver.
func NewRegistryFromEnv() (*Registry, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("projects: DATABASE_DSN environment variable is required")
	}

	driver, err := resolveDriver(strings.TrimSpace(os.Getenv("DATABASE_DRIVER")), dsn)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("projects: open %s database: %w", driver, err)
	}
	return NewRegistry(db)
}

func resolveDriver(driver, dsn string) (string, error) {
	if driver != "" {
		return strings.ToLower(driver), nil
	}
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return "mysql", nil
	case strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite", nil
	default:
		return "", errors.New("projects: cannot infer database driver from DSN, set DATABASE_DRIVER")
	}
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }}
	switch driver {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), cfg)
	default:
		return nil, fmt.Errorf("projects: unsupported database driver %q", driver)
	}
}

func (r *Registry) CreateProject(ctx context.Context, name, description string) (*Project, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("projects: project name is required")
	}

	project := Project{Name: name}
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		project.Description = &trimmed
	}
	if err := r.db.WithContext(ctx).Create(&project).Error; err != nil {
		return nil, fmt.Errorf("projects: create project: %w", err)
	}
	return &project, nil
}

// GetOrCreateProjectByName returns the oldest project with an exact name
// match, creating one when none exists. Duplicate names are allowed through
// CreateProject, so the oldest match is the stable choice.
func (r *Registry) GetOrCreateProjectByName(ctx context.Context, name string) (*Project, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("projects: project name is required")
	}

	var project Project
	err := r.db.WithContext(ctx).Where("name = ?", name).Order("id asc").First(&project).Error
	if err == nil {
		return &project, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("projects: lookup project by name: %w", err)
	}
	return r.CreateProject(ctx, name, "")
}

func (r *Registry) GetProject(ctx context.Context, id uint64) (*Project, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	var project Project
	if err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownProject
		}
		return nil, fmt.Errorf("projects: fetch project %d: %w", id, err)
	}
	return &project, nil
}

func (r *Registry) ListProjects(ctx context.Context) ([]Project, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	var list []Project
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("projects: list projects: %w", err)
	}
	return list, nil
}

// RenameProject is the only mutation a project supports after creation.
func (r *Registry) RenameProject(ctx context.Context, id uint64, name string) (*Project, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("projects: project name is required")
	}
	project, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(project).Update("name", name).Error; err != nil {
		return nil, fmt.Errorf("projects: rename project %d: %w", id, err)
	}
	project.Name = name
	return project, nil
}

func (r *Registry) ListAssets(ctx context.Context, projectID uint64) ([]Asset, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	var assets []Asset
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at desc").Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("projects: list assets for project %d: %w", projectID, err)
	}
	return assets, nil
}

// GetAsset fetches one asset scoped to its owning project.
func (r *Registry) GetAsset(ctx context.Context, projectID, assetID uint64) (*Asset, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	var asset Asset
	if err := r.db.WithContext(ctx).First(&asset, "id = ? AND project_id = ?", assetID, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownAsset
		}
		return nil, fmt.Errorf("projects: fetch asset %d: %w", assetID, err)
	}
	return &asset, nil
}

// RecordAsset persists one generated asset. The existence check and the
// insert run inside a single transaction so concurrent recorders serialize
// correctly and an unknown project never leaves a row behind.
func (r *Registry) RecordAsset(ctx context.Context, projectID uint64, asset Asset) (*Asset, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("projects: registry not configured")
	}
	if strings.TrimSpace(asset.FilePath) == "" {
		return nil, errors.New("projects: asset file path is required")
	}

	asset.ID = 0
	asset.ProjectID = projectID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
			return fmt.Errorf("projects: check project %d: %w", projectID, err)
		}
		if count == 0 {
			return ErrUnknownProject
		}
		if err := tx.Create(&asset).Error; err != nil {
			return fmt.Errorf("projects: record asset: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &asset, nil
}
