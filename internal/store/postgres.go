package store

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Postgres struct {
	sqlDB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{sqlDB{db: db, dialect: dialectPostgres}}, nil
}

// OpenPostgres connects and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	p, err := NewPostgres(dsn)
	if err != nil {
		return nil, err
	}
	if err := p.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}
