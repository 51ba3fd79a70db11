package model

// Sequence is a named counter used to allocate identifiers atomically.
type Sequence struct {
	Scope string `gorm:"type:varchar(64);primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}
