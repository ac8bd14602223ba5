package main

import (
	"context"
	"fmt"

	cerrors "github.com/estuary/pgextract/go/connector-errors"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/sirupsen/logrus"
)

// SetupPrerequisites verifies that the configured replication slot and publication can
// be used to read changes of the tables. The slot and publication are never created.
func (db *postgresDatabase) SetupPrerequisites(ctx context.Context, tables []*sqlcapture.TableInfo) error {
	var errs = new(cerrors.PrereqErr)
	for _, prereq := range []func(ctx context.Context) error{
		db.prerequisiteLogicalReplication,
		db.prerequisiteReplicationSlot,
		db.prerequisitePublication,
	} {
		if err := prereq(ctx); err != nil {
			errs.Err(err)
		}
	}
	if errs.Len() == 0 {
		for _, table := range tables {
			if err := db.prerequisiteTableInPublication(ctx, table.Stream); err != nil {
				errs.Err(err)
			}
		}
	}
	if errs.Len() > 0 {
		return errs
	}
	return nil
}

func (db *postgresDatabase) prerequisiteLogicalReplication(ctx context.Context) error {
	var level string
	if err := db.conn.QueryRow(ctx, `SHOW wal_level;`).Scan(&level); err != nil {
		return fmt.Errorf("unable to query 'wal_level' system variable: %w", err)
	} else if level != "logical" {
		return cerrors.NewUserError(nil, fmt.Sprintf("logical replication isn't enabled: current wal_level = %q", level))
	}
	return nil
}

func (db *postgresDatabase) prerequisiteReplicationSlot(ctx context.Context) error {
	var slotName = db.config.Advanced.SlotName
	var logEntry = logrus.WithField("slot", slotName)

	var info, err = queryReplicationSlotInfo(ctx, db.conn, slotName)
	if err != nil {
		return err
	}
	logEntry.WithField("info", info).Debug("queried replication slot")
	if info == nil {
		return cerrors.NewUserError(nil, fmt.Sprintf("replication slot %q not found: create it with SELECT pg_create_logical_replication_slot('%s', '%s')", slotName, slotName, db.config.Advanced.Plugin))
	}
	return checkReplicationSlot(info, db.config)
}

// checkReplicationSlot validates the properties of an existing replication slot.
func checkReplicationSlot(info *replicationSlotInfo, cfg *Config) error {
	var slotName = cfg.Advanced.SlotName
	if info.SlotType != "logical" {
		return cerrors.NewUserError(nil, fmt.Sprintf("replication slot %q is a %s slot, not a logical replication slot", slotName, info.SlotType))
	}
	if info.Plugin != cfg.Advanced.Plugin {
		return cerrors.NewUserError(nil, fmt.Sprintf("replication slot %q uses the decoding plugin %q, but %q is configured", slotName, info.Plugin, cfg.Advanced.Plugin))
	}
	if info.Database != cfg.Database {
		return cerrors.NewUserError(nil, fmt.Sprintf("replication slot %q belongs to database %q, not %q", slotName, info.Database, cfg.Database))
	}
	if info.WALStatus == "lost" {
		return cerrors.NewUserError(nil, fmt.Sprintf("replication slot %q was invalidated because WAL it needed was removed: the slot must be recreated and streams resynchronized", slotName))
	}
	if info.Active {
		var pid any = "unknown"
		if info.ActivePID != nil {
			pid = *info.ActivePID
		}
		return cerrors.NewUserError(nil, fmt.Sprintf("replication slot %q is in use by another process (pid %v)", slotName, pid))
	}
	return nil
}

func (db *postgresDatabase) prerequisitePublication(ctx context.Context) error {
	var pubName = db.config.Advanced.PublicationName
	var count int
	if err := db.conn.QueryRow(ctx, `SELECT COUNT(*) FROM pg_catalog.pg_publication WHERE pubname = $1;`, pubName).Scan(&count); err != nil {
		return fmt.Errorf("error querying publications: %w", err)
	}
	if count == 0 {
		return cerrors.NewUserError(nil, fmt.Sprintf("publication %q not found: create it with CREATE PUBLICATION %s FOR TABLE <tables>", pubName, quoteColumnName(pubName)))
	}
	logrus.WithField("publication", pubName).Debug("publication exists")
	return nil
}

// prerequisiteTableInPublication checks that a table is part of the publication, either
// explicitly or because the publication is FOR ALL TABLES.
func (db *postgresDatabase) prerequisiteTableInPublication(ctx context.Context, stream sqlcapture.StreamID) error {
	var pubName = db.config.Advanced.PublicationName
	var count int
	if err := db.conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM pg_catalog.pg_publication_tables
		WHERE pubname = $1 AND schemaname = $2 AND tablename = $3;`,
		pubName, stream.Namespace, stream.Name,
	).Scan(&count); err != nil {
		return fmt.Errorf("error querying publication tables: %w", err)
	}
	if count == 0 {
		return cerrors.NewUserError(nil, fmt.Sprintf("publication %q does not include table %q", pubName, stream.String()))
	}
	return nil
}
