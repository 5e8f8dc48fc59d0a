package repository

import (
	"gorm.io/gorm"
)

// DefaultPageSize is the default pagination page size when page size is not assigned
const DefaultPageSize = 20

// MaxPageSize is the maximum pagination page size if the assigned value is over this number
const MaxPageSize = 100

// Repository bundles the persistence operations of the ingestion pipeline.
type Repository interface {
	UploadSession
	Document
	Chunk
	Embedding
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository backed by a gorm connection.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}
