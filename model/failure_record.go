package model

import "gorm.io/plugin/soft_delete"

// FailureRecord is one failed edge of a build.
type FailureRecord struct {
	ID      int64  `json:"id" gorm:"primarykey"`
	BuildID int64  `json:"build_id" gorm:"index:idx_build_id"`
	Outputs string `json:"outputs"`
	Command string `json:"command"`
	Output  string `json:"output"`
	Status  string `json:"status"`
	/* 0 false 1 true */
	Deleted soft_delete.DeletedAt `json:"-" gorm:"softDelete:flag;default:0"`
}

func (FailureRecord) TableName() string {
	return "failure_record"
}
