package model

import "gorm.io/plugin/soft_delete"

// BuildRecord is one ninja invocation.
type BuildRecord struct {
	ID int64 `json:"id" gorm:"primarykey"`
	// unix millis
	StartedAt int64  `json:"started_at" gorm:"index:idx_started_at"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Outcome   string `json:"outcome" gorm:"index:idx_outcome"`
	// space separated, as given on the command line
	Targets         string `json:"targets"`
	Manifest        string `json:"manifest"`
	EdgesConsidered int    `json:"edges_considered"`
	EdgesExecuted   int    `json:"edges_executed"`
	EdgesFailed     int    `json:"edges_failed"`

	Failures []*FailureRecord `json:"failures,omitempty" gorm:"foreignKey:BuildID"`
	/* 0 false 1 true */
	Deleted soft_delete.DeletedAt `json:"-" gorm:"softDelete:flag;default:0"`
}

func (BuildRecord) TableName() string {
	return "build_record"
}
