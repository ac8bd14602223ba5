package main

import (
	"context"
	"fmt"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// Tables in these schemas are never discovered.
const queryDiscoverTables = `
  SELECT table_schema, table_name
  FROM information_schema.tables
  WHERE table_type = 'BASE TABLE'
    AND table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_internal', 'catalog_history', 'cron')
    AND table_schema NOT LIKE 'pg_toast%'
  ORDER BY table_schema, table_name;`

// DiscoverTables describes every user table of the database.
func (db *postgresDatabase) DiscoverTables(ctx context.Context) ([]*sqlcapture.TableInfo, error) {
	var rows, err = db.conn.Query(ctx, queryDiscoverTables)
	if err != nil {
		return nil, fmt.Errorf("unable to list database tables: %w", err)
	}
	streams, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sqlcapture.StreamID, error) {
		var id sqlcapture.StreamID
		var err = row.Scan(&id.Namespace, &id.Name)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list database tables: %w", err)
	}

	var tables []*sqlcapture.TableInfo
	for _, stream := range streams {
		var info, err = db.DescribeTable(ctx, stream)
		if err != nil {
			// A table can be dropped between listing and describing it.
			logrus.WithFields(logrus.Fields{"stream": stream.String(), "err": err}).Warn("unable to describe table")
			continue
		}
		tables = append(tables, info)
	}
	return tables, nil
}

// discoverCatalog connects to the database and lists its tables as streams.
func discoverCatalog(ctx context.Context, cfg *Config) (*airbyte.Catalog, error) {
	var db, err = connectPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tables, err := db.DiscoverTables(ctx)
	if err != nil {
		return nil, err
	}
	return sqlcapture.DiscoverCatalog(tables, translateColumnSchema, sqlcapture.ReplicationMethod(cfg.ReplicationMethod))
}
