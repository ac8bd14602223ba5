package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/estuary/pgextract/sqlcapture"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Every scan selects the physical address, inserting transaction, and (optionally) the
// text of the cursor column of each row ahead of the row values.
const scanMetadataColumns = 3

// ScanChunk visits the rows of a table after `query.After` in physical order.
func (db *postgresDatabase) ScanChunk(ctx context.Context, table *sqlcapture.TableInfo, query sqlcapture.ChunkQuery, visit sqlcapture.RowVisitor) error {
	var sql = buildChunkQuery(table, query)
	var args = []any{query.After.String()}
	db.explainQuery(ctx, table.Stream, sql, args)
	return db.scanRows(ctx, table, sql, args, visit)
}

// ScanFull visits every row of a table with a single query.
func (db *postgresDatabase) ScanFull(ctx context.Context, table *sqlcapture.TableInfo, cursorColumn string, visit sqlcapture.RowVisitor) error {
	var sql = buildFullScanQuery(table, cursorColumn)
	db.explainQuery(ctx, table.Stream, sql, nil)
	return db.scanRows(ctx, table, sql, nil, visit)
}

// ScanCursor visits the rows of a table in cursor order.
func (db *postgresDatabase) ScanCursor(ctx context.Context, table *sqlcapture.TableInfo, query sqlcapture.CursorQuery, visit sqlcapture.RowVisitor) error {
	var sql, args, err = buildCursorQuery(table, query)
	if err != nil {
		return err
	}
	db.explainQuery(ctx, table.Stream, sql, args)
	return db.scanRows(ctx, table, sql, args, visit)
}

// QueryCursorMax returns the greatest value of a cursor column as text.
func (db *postgresDatabase) QueryCursorMax(ctx context.Context, table *sqlcapture.TableInfo, column string, typ sqlcapture.CursorType) (*string, error) {
	var sql, err = buildCursorMaxQuery(table, column)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"stream": table.Stream.String(), "query": sql}).Debug("querying cursor upper bound")
	var greatest *string
	if err := db.conn.QueryRow(ctx, sql).Scan(&greatest); err != nil {
		return nil, fmt.Errorf("error querying greatest %q of %q: %w", column, table.Stream.String(), err)
	}
	return greatest, nil
}

// ScanXmin visits the rows of a table in transaction ID order.
func (db *postgresDatabase) ScanXmin(ctx context.Context, table *sqlcapture.TableInfo, query sqlcapture.XminQuery, visit sqlcapture.RowVisitor) error {
	var sql, args = buildXminQuery(table, query)
	db.explainQuery(ctx, table.Stream, sql, args)
	return db.scanRows(ctx, table, sql, args, visit)
}

func (db *postgresDatabase) scanRows(ctx context.Context, table *sqlcapture.TableInfo, query string, args []any, visit sqlcapture.RowVisitor) error {
	logrus.WithFields(logrus.Fields{"query": query, "args": args}).Debug("executing query")
	var rows, err = db.conn.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("unable to execute query %q: %w", query, err)
	}
	defer rows.Close()

	var fields = rows.FieldDescriptions()
	for rows.Next() {
		var vals, err = rows.Values()
		if err != nil {
			return fmt.Errorf("unable to get row values: %w", err)
		}
		row, err := translateRow(table, fields, vals)
		if err != nil {
			return err
		}
		if err := visit(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// translateRow splits the values of a scanned row into the row metadata and a
// record document.
func translateRow(table *sqlcapture.TableInfo, fields []pgconn.FieldDescription, vals []any) (*sqlcapture.Row, error) {
	if len(vals) < scanMetadataColumns {
		return nil, fmt.Errorf("scan of %q returned %d columns", table.Stream.String(), len(vals))
	}
	var row = &sqlcapture.Row{Values: orderedmap.New[string, any]()}

	ctidText, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid ctid %v", vals[0])
	}
	var err error
	if row.CTID, err = sqlcapture.ParseCTID(ctidText); err != nil {
		return nil, err
	}
	xmin, ok := vals[1].(int64)
	if !ok {
		return nil, fmt.Errorf("invalid xmin %v", vals[1])
	}
	row.Xmin = uint32(xmin)
	if cursor, ok := vals[2].(string); ok {
		row.Cursor = &cursor
	}

	for idx := scanMetadataColumns; idx < len(vals); idx++ {
		var name = fields[idx].Name
		var dataType string
		if column, ok := table.Column(name); ok {
			dataType = column.DataType
		}
		var translated, err = translateRecordField(dataType, vals[idx])
		if err != nil {
			return nil, fmt.Errorf("error translating field %q value %v: %w", name, vals[idx], err)
		}
		row.Values.Set(name, translated)
	}
	return row, nil
}

func buildChunkQuery(table *sqlcapture.TableInfo, query sqlcapture.ChunkQuery) string {
	var sql = new(strings.Builder)
	fmt.Fprintf(sql, "SELECT %s FROM %s", scanColumns(query.CursorColumn), quoteTable(table.Stream))
	fmt.Fprintf(sql, " WHERE ctid > $1::text::tid ORDER BY ctid LIMIT %d;", query.Limit)
	return sql.String()
}

func buildFullScanQuery(table *sqlcapture.TableInfo, cursorColumn string) string {
	return fmt.Sprintf("SELECT %s FROM %s;", scanColumns(cursorColumn), quoteTable(table.Stream))
}

func buildCursorQuery(table *sqlcapture.TableInfo, query sqlcapture.CursorQuery) (string, []any, error) {
	var column, ok = table.Column(query.Column)
	if !ok {
		return "", nil, fmt.Errorf("cursor column %q does not exist in table %q", query.Column, table.Stream.String())
	}
	var ordered = quoteColumnName(column.Name) + collation(column)

	var sql = new(strings.Builder)
	var args []any
	fmt.Fprintf(sql, "SELECT %s FROM %s", scanColumns(column.Name), quoteTable(table.Stream))
	if query.Lower != nil {
		var op = ">"
		if query.Inclusive {
			op = ">="
		}
		fmt.Fprintf(sql, " WHERE %s %s $1::text::%s", ordered, op, quoteColumnName(column.DataType))
		args = append(args, *query.Lower)
	}
	fmt.Fprintf(sql, " ORDER BY %s NULLS LAST", ordered)
	if len(query.Tiebreak) == 0 {
		sql.WriteString(", ctid")
	}
	for _, key := range query.Tiebreak {
		fmt.Fprintf(sql, ", %s", quoteColumnName(key))
	}
	sql.WriteString(";")
	return sql.String(), args, nil
}

func buildCursorMaxQuery(table *sqlcapture.TableInfo, columnName string) (string, error) {
	var column, ok = table.Column(columnName)
	if !ok {
		return "", fmt.Errorf("cursor column %q does not exist in table %q", columnName, table.Stream.String())
	}
	return fmt.Sprintf("SELECT (MAX(%s%s))::text FROM %s;", quoteColumnName(column.Name), collation(column), quoteTable(table.Stream)), nil
}

// buildXminQuery orders rows by the signed 32-bit distance of their xmin from the
// reference transaction, which is how transaction IDs compare across wraparound.
func buildXminQuery(table *sqlcapture.TableInfo, query sqlcapture.XminQuery) (string, []any) {
	const distance = "(((xmin::text::bigint - $%d::bigint) << 32) >> 32)"

	var sql = new(strings.Builder)
	var args []any
	fmt.Fprintf(sql, "SELECT %s FROM %s", scanColumns(""), quoteTable(table.Stream))
	if query.Threshold != nil {
		// Frozen and bootstrap tuples report the special XIDs 1 and 2, which never
		// compare as newer than a real transaction.
		const validXID = "xmin::text::bigint >= 3"
		args = append(args, int64(*query.Threshold))
		fmt.Fprintf(sql, " WHERE "+validXID+" AND "+distance+" >= 0", len(args))
	}
	args = append(args, int64(query.Reference))
	fmt.Fprintf(sql, " ORDER BY "+distance+";", len(args))
	return sql.String(), args
}

func scanColumns(cursorColumn string) string {
	var cursor = "NULL::text"
	if cursorColumn != "" {
		cursor = quoteColumnName(cursorColumn) + "::text"
	}
	return "ctid::text, xmin::text::bigint, " + cursor + ", *"
}

// collation returns the collation clause under which values of a text column
// compare bytewise.
func collation(column *sqlcapture.ColumnInfo) string {
	if collatedTypes[column.DataType] {
		return ` COLLATE "C"`
	}
	return ""
}

func quoteTable(stream sqlcapture.StreamID) string {
	return pgx.Identifier{stream.Namespace, stream.Name}.Sanitize()
}

func quoteColumnName(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (db *postgresDatabase) explainQuery(ctx context.Context, stream sqlcapture.StreamID, query string, args []any) {
	// Only the first scan query of each table is explained.
	if _, ok := db.explained[stream]; ok {
		return
	}
	db.explained[stream] = struct{}{}

	var explainQuery = "EXPLAIN " + query
	logrus.WithFields(logrus.Fields{
		"stream": stream.String(),
		"query":  explainQuery,
	}).Info("explain scan query")
	explainResult, err := db.conn.Query(ctx, explainQuery, args...)
	if err != nil {
		logrus.WithFields(logrus.Fields{"stream": stream.String(), "err": err}).Error("unable to explain query")
		return
	}
	defer explainResult.Close()

	var keys = explainResult.FieldDescriptions()
	for explainResult.Next() {
		var vals, err = explainResult.Values()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"stream": stream.String(),
				"err":    err,
			}).Error("error getting row value")
			return
		}

		var result []string
		for idx, val := range vals {
			result = append(result, fmt.Sprintf("%s=%v", keys[idx].Name, val))
		}
		logrus.WithFields(logrus.Fields{
			"stream":   stream.String(),
			"response": result,
		}).Info("explain scan query")
	}
}
