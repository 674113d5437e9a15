package repository

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Store holds the DB pools and repositories. The pipeline writes through the
// elevated pool; chat-path reads go through the restricted read pool so a
// request can never touch another user's rows even if a filter is missed.
type Store struct {
	db     *gorm.DB
	readDB *gorm.DB

	Jobs          *ImportJobRepo
	Conversations *ConversationRepo
	Chunks        *ChunkRepo
	Profiles      *ProfileRepo
	Quality       *QualityRepo

	ReadChunks   *ChunkRepo
	ReadProfiles *ProfileRepo
}

// NewStore initializes the PostgreSQL pools and repositories. readDatabaseURL
// may equal databaseURL when no restricted credential is configured.
func NewStore(ctx context.Context, databaseURL, readDatabaseURL string) (*Store, error) {
	db, err := openPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	readDB := db
	if readDatabaseURL != "" && readDatabaseURL != databaseURL {
		readDB, err = openPool(ctx, readDatabaseURL)
		if err != nil {
			closePool(db)
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
	}

	store := &Store{
		db:            db,
		readDB:        readDB,
		Jobs:          NewImportJobRepo(db),
		Conversations: NewConversationRepo(db),
		Chunks:        NewChunkRepo(db),
		Profiles:      NewProfileRepo(db),
		Quality:       NewQualityRepo(db),
		ReadChunks:    NewChunkRepo(readDB),
		ReadProfiles:  NewProfileRepo(readDB),
	}
	return store, nil
}

func openPool(ctx context.Context, databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() {
	if s.readDB != nil && s.readDB != s.db {
		closePool(s.readDB)
	}
	closePool(s.db)
}

func closePool(db *gorm.DB) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}
