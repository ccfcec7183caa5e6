package store

import (
	"time"

	"gorm.io/datatypes"
)

// jobRow is the on-disk representation of a Job (spec.md §6 schema). Field
// names are the storage convention; Store.normalize translates to/from the
// domain.Job shape so callers never see the column casing (spec.md §4.2
// "must not leak the on-disk column convention").
type jobRow struct {
	ID          string         `gorm:"column:id;primaryKey"`
	PipelineID  string         `gorm:"column:pipeline_id;index:idx_pipeline_status_created"`
	Status      string         `gorm:"column:status;index:idx_pipeline_status_created"`
	CreatedAt   time.Time      `gorm:"column:created_at;index:idx_pipeline_status_created,sort:desc"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	DataJSON    datatypes.JSON `gorm:"column:data_json"`
	ResultJSON  datatypes.JSON `gorm:"column:result_json"`
	ErrorJSON   datatypes.JSON `gorm:"column:error_json"`
	GitJSON     datatypes.JSON `gorm:"column:git_json"`
	Progress    *float64       `gorm:"column:progress"`
}

func (jobRow) TableName() string { return "jobs" }
