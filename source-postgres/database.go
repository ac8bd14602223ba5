package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	cerrors "github.com/estuary/pgextract/go/connector-errors"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// postgresDatabase implements sqlcapture.Database on a connection pool.
type postgresDatabase struct {
	config    *Config
	conn      *pgxpool.Pool
	explained map[sqlcapture.StreamID]struct{} // Tables whose scan queries have been explained
	server    *sqlcapture.ServerInfo
}

func connectPostgres(ctx context.Context, cfg *Config) (*postgresDatabase, error) {
	log.WithFields(log.Fields{
		"address":  cfg.Address,
		"user":     cfg.User,
		"database": cfg.Database,
		"slot":     cfg.Advanced.SlotName,
	}).Info("connecting to database")

	var poolConfig, err = pgxpool.ParseConfig(cfg.ToURI())
	if err != nil {
		return nil, fmt.Errorf("error parsing database uri: %w", err)
	}
	// A sync reads one table at a time, with one extra connection for diagnostics.
	poolConfig.MaxConns = 2
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerDatatypeTweaks(conn.TypeMap())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "28P01":
				return nil, cerrors.NewUserError(err, "incorrect username or password")
			case "3D000":
				return nil, cerrors.NewUserError(err, fmt.Sprintf("database %q does not exist", cfg.Database))
			}
		}
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &postgresDatabase{config: cfg, conn: pool, explained: make(map[sqlcapture.StreamID]struct{})}, nil
}

func (db *postgresDatabase) Close() {
	db.conn.Close()
}

const queryColumns = `
  SELECT c.ordinal_position, c.column_name, c.is_nullable::boolean, c.udt_name
  FROM information_schema.columns c
  WHERE c.table_schema = $1 AND c.table_name = $2
  ORDER BY c.ordinal_position;`

const queryPrimaryKey = `
  SELECT a.attname
  FROM pg_catalog.pg_index i
    JOIN pg_catalog.pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
  WHERE i.indrelid = $1::text::regclass AND i.indisprimary
  ORDER BY array_position(i.indkey::int2[], a.attnum);`

const queryFilenode = `SELECT pg_relation_filenode($1::text::regclass)::bigint;`

// DescribeTable returns the columns, primary key, and storage of a table.
func (db *postgresDatabase) DescribeTable(ctx context.Context, stream sqlcapture.StreamID) (*sqlcapture.TableInfo, error) {
	var info = &sqlcapture.TableInfo{Stream: stream}

	var rows, err = db.conn.Query(ctx, queryColumns, stream.Namespace, stream.Name)
	if err != nil {
		return nil, fmt.Errorf("error querying columns: %w", err)
	}
	for rows.Next() {
		var column sqlcapture.ColumnInfo
		if err := rows.Scan(&column.Index, &column.Name, &column.IsNullable, &column.DataType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning column: %w", err)
		}
		column.CursorType = columnCursorType(column.DataType)
		info.Columns = append(info.Columns, column)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error querying columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %q does not exist or has no visible columns", stream.String())
	}

	var relation = quoteTable(stream)
	rows, err = db.conn.Query(ctx, queryPrimaryKey, relation)
	if err != nil {
		return nil, fmt.Errorf("error querying primary key: %w", err)
	}
	info.PrimaryKey, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("error querying primary key: %w", err)
	}

	if err := db.conn.QueryRow(ctx, queryFilenode, relation).Scan(&info.Filenode); err != nil {
		return nil, fmt.Errorf("error querying relation filenode: %w", err)
	}

	log.WithFields(log.Fields{
		"stream":     stream.String(),
		"columns":    len(info.Columns),
		"primaryKey": info.PrimaryKey,
		"filenode":   info.Filenode,
	}).Debug("described table")
	return info, nil
}

// ServerInfo queries the server version.
func (db *postgresDatabase) ServerInfo(ctx context.Context) (*sqlcapture.ServerInfo, error) {
	if db.server != nil {
		return db.server, nil
	}
	var versionNum string
	if err := db.conn.QueryRow(ctx, `SHOW server_version_num;`).Scan(&versionNum); err != nil {
		return nil, fmt.Errorf("unable to query server version: %w", err)
	}
	var num, err = strconv.Atoi(versionNum)
	if err != nil {
		return nil, fmt.Errorf("invalid server version %q: %w", versionNum, err)
	}
	db.server = serverInfoFromVersion(num)
	return db.server, nil
}

// serverInfoFromVersion interprets a `server_version_num` like 160002 or 90624.
func serverInfoFromVersion(num int) *sqlcapture.ServerInfo {
	var major = num / 10000
	return &sqlcapture.ServerInfo{
		MajorVersion: major,
		TIDRangeScan: major >= 14,
	}
}

// SnapshotXmin returns the epoch-extended xmin of the current snapshot. Servers
// before PostgreSQL 13 report it through the older txid functions.
func (db *postgresDatabase) SnapshotXmin(ctx context.Context) (uint64, error) {
	var server, err = db.ServerInfo(ctx)
	if err != nil {
		return 0, err
	}
	var query = `SELECT pg_snapshot_xmin(pg_current_snapshot())::text::bigint;`
	if server.MajorVersion < 13 {
		query = `SELECT txid_snapshot_xmin(txid_current_snapshot());`
	}
	logLongRunningTransactions(ctx, db.conn, longTransactionThreshold)

	var xmin int64
	if err := db.conn.QueryRow(ctx, query).Scan(&xmin); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedFunction {
			return 0, fmt.Errorf("server version %d: %w", server.MajorVersion, sqlcapture.ErrXminUnavailable)
		}
		return 0, fmt.Errorf("error querying snapshot xmin: %w", err)
	}
	log.WithField("xmin", xmin).Info("queried snapshot xmin")
	return uint64(xmin), nil
}

// undefinedFunction is the SQLSTATE of a call to a function the server doesn't provide.
const undefinedFunction = "42883"

// CurrentLSN returns the current flushed WAL position, or the replay position of a replica.
func (db *postgresDatabase) CurrentLSN(ctx context.Context) (uint64, error) {
	var text string
	const query = `SELECT (CASE WHEN pg_is_in_recovery() THEN pg_last_wal_replay_lsn() ELSE pg_current_wal_flush_lsn() END)::text;`
	if err := db.conn.QueryRow(ctx, query).Scan(&text); err != nil {
		return 0, fmt.Errorf("error querying current WAL position: %w", err)
	}
	var lsn, err = pglogrepl.ParseLSN(text)
	if err != nil {
		return 0, fmt.Errorf("invalid WAL position %q: %w", text, err)
	}
	return uint64(lsn), nil
}

type replicationSlotInfo struct {
	SlotName          string
	Database          string
	Plugin            string
	SlotType          string
	Active            bool
	ActivePID         *int32
	RestartLSN        *pglogrepl.LSN
	ConfirmedFlushLSN *pglogrepl.LSN
	WALStatus         string
}

// queryReplicationSlotInfo returns information about the named replication slot, or nil
// if it doesn't exist.
func queryReplicationSlotInfo(ctx context.Context, conn *pgxpool.Pool, slotName string) (*replicationSlotInfo, error) {
	var info replicationSlotInfo
	var restart, confirmed *string
	// The 'wal_status' column was added in Postgres 13, so it's selected through
	// row_to_json() to work on older servers.
	var query = `SELECT slot_name, coalesce(database, ''), coalesce(plugin, ''), slot_type, active, active_pid, restart_lsn::text, confirmed_flush_lsn::text,
	  coalesce(row_to_json(s)->>'wal_status'::text, 'unknown') AS wal_status
	  FROM pg_catalog.pg_replication_slots s WHERE slot_name = $1`
	if err := conn.QueryRow(ctx, query, slotName).Scan(&info.SlotName, &info.Database, &info.Plugin, &info.SlotType,
		&info.Active, &info.ActivePID, &restart, &confirmed, &info.WALStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error querying replication slots: %w", err)
	}
	var err error
	if info.RestartLSN, err = parseOptionalLSN(restart); err != nil {
		return nil, err
	}
	if info.ConfirmedFlushLSN, err = parseOptionalLSN(confirmed); err != nil {
		return nil, err
	}
	return &info, nil
}

func parseOptionalLSN(text *string) (*pglogrepl.LSN, error) {
	if text == nil {
		return nil, nil
	}
	var lsn, err = pglogrepl.ParseLSN(*text)
	if err != nil {
		return nil, fmt.Errorf("invalid WAL position %q: %w", *text, err)
	}
	return &lsn, nil
}
