package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/estuary/pgextract/sqlcapture"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// replicationStream receives logical replication messages of the pgoutput plugin,
// sends status updates, and translates changes into sqlcapture.ChangeEvents.
type replicationStream struct {
	replSlot string
	pubName  string
	conn     *pgconn.PgConn
	typeMap  *pgtype.Map

	// committedLSN is the position reported to the server as flushed. The server
	// may discard WAL before it.
	committedLSN pglogrepl.LSN
	// serverLSN is the most recent position the server reported it has sent.
	serverLSN pglogrepl.LSN

	standbyStatusDeadline time.Time

	relations     map[uint32]*pglogrepl.RelationMessage
	inTransaction bool
	commitLSN     pglogrepl.LSN // Position of the commit record of the current transaction
	commitTime    time.Time
}

var standbyStatusInterval = 10 * time.Second

// StartReplication opens a replication connection and starts streaming from the slot.
func (db *postgresDatabase) StartReplication(ctx context.Context, start uint64) (sqlcapture.ReplicationStream, error) {
	if current, err := db.CurrentLSN(ctx); err == nil {
		db.logSlotDiagnostics(ctx, current)
	}

	var connConfig, err = pgconn.ParseConfig(db.config.ToURI())
	if err != nil {
		return nil, fmt.Errorf("error parsing database uri: %w", err)
	}
	connConfig.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to open replication connection: %w", err)
	}

	var typeMap = pgtype.NewMap()
	if err := registerDatatypeTweaks(typeMap); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return startReplication(ctx, conn, typeMap, db.config.Advanced.SlotName, db.config.Advanced.PublicationName, pglogrepl.LSN(start))
}

func startReplication(ctx context.Context, conn *pgconn.PgConn, typeMap *pgtype.Map, slot, publication string, startLSN pglogrepl.LSN) (*replicationStream, error) {
	var stream = &replicationStream{
		replSlot:  slot,
		pubName:   publication,
		conn:      conn,
		typeMap:   typeMap,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}

	logrus.WithFields(logrus.Fields{
		"startLSN":    startLSN.String(),
		"publication": publication,
		"slot":        slot,
	}).Info("starting replication")

	if err := pglogrepl.StartReplication(ctx, conn, slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			`"proto_version" '1'`,
			fmt.Sprintf(`"publication_names" '%s'`, strings.ReplaceAll(publication, "'", "''")),
		},
	}); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("unable to start replication: %w", err)
	}

	// Send one status update immediately on startup
	stream.standbyStatusDeadline = time.Now()
	return stream, nil
}

// Stream invokes the callback for each change, commit, and progress report until the
// callback returns an error.
func (s *replicationStream) Stream(ctx context.Context, callback func(event *sqlcapture.ChangeEvent) error) error {
	for {
		var event, err = s.next(ctx)
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		if err := callback(event); errors.Is(err, sqlcapture.ErrStopStreaming) {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// next returns the next event of the stream, or nil if a message was consumed which
// doesn't produce an event.
func (s *replicationStream) next(ctx context.Context) (*sqlcapture.ChangeEvent, error) {
	var xld, ok, err = s.receiveXLogData(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if s.inTransaction {
			return nil, nil
		}
		return &sqlcapture.ChangeEvent{Operation: sqlcapture.ProgressOp, LSN: uint64(s.serverLSN)}, nil
	}

	msg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return nil, fmt.Errorf("error parsing logical replication message: %w", err)
	}

	// Changes are delivered by pgoutput one whole transaction at a time, once it has
	// committed, so a BEGIN is always followed by the transaction's changes and then
	// its COMMIT. Relation messages describe the columns of a table before the first
	// change of it in a session, and again whenever it's altered.
	switch msg := msg.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg
	case *pglogrepl.TypeMessage, *pglogrepl.OriginMessage:
		logrus.WithField("message", msg.Type().String()).Debug("ignoring replication message")
	case *pglogrepl.BeginMessage:
		if s.inTransaction {
			return nil, errors.New("got BEGIN message while another transaction in progress")
		}
		s.inTransaction = true
		s.commitLSN = msg.FinalLSN
		s.commitTime = msg.CommitTime
	case *pglogrepl.InsertMessage:
		return s.decodeChange(sqlcapture.InsertOp, xld, msg.RelationID, nil, msg.Tuple)
	case *pglogrepl.UpdateMessage:
		return s.decodeChange(sqlcapture.UpdateOp, xld, msg.RelationID, msg.OldTuple, msg.NewTuple)
	case *pglogrepl.DeleteMessage:
		return s.decodeChange(sqlcapture.DeleteOp, xld, msg.RelationID, msg.OldTuple, nil)
	case *pglogrepl.CommitMessage:
		if !s.inTransaction {
			return nil, errors.New("got COMMIT message without a transaction in progress")
		}
		s.inTransaction = false
		return &sqlcapture.ChangeEvent{
			Operation:  sqlcapture.CommitOp,
			LSN:        uint64(msg.TransactionEndLSN),
			CommitLSN:  uint64(msg.CommitLSN),
			CommitTime: msg.CommitTime,
		}, nil
	default:
		// Other messages (truncation, streamed or two-phase transactions) can't be
		// represented as changes, and ignoring them would leave the captured
		// tables inconsistent with the database.
		return nil, fmt.Errorf("unhandled message (Type=%v, WALStart=%q)", msg.Type(), xld.WALStart)
	}
	return nil, nil
}

func (s *replicationStream) decodeChange(op sqlcapture.ChangeOp, xld pglogrepl.XLogData, relID uint32, before, after *pglogrepl.TupleData) (*sqlcapture.ChangeEvent, error) {
	if !s.inTransaction {
		return nil, fmt.Errorf("got %s message without a transaction in progress", op)
	}
	var rel, ok = s.relations[relID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", relID)
	}

	var event = &sqlcapture.ChangeEvent{
		Operation:  op,
		Stream:     sqlcapture.StreamID{Namespace: rel.Namespace, Name: rel.RelationName},
		LSN:        uint64(xld.WALStart),
		CommitLSN:  uint64(s.commitLSN),
		CommitTime: s.commitTime,
	}
	var err error
	if event.Before, err = s.decodeTuple(rel, before); err != nil {
		return nil, err
	}
	if event.After, err = s.decodeTuple(rel, after); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *replicationStream) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (*orderedmap.OrderedMap[string, any], error) {
	if tuple == nil {
		return nil, nil
	}
	if len(tuple.Columns) > len(rel.Columns) {
		return nil, fmt.Errorf("tuple of %q has more columns than its relation", rel.RelationName)
	}
	var fields = orderedmap.New[string, any]()
	for idx, col := range tuple.Columns {
		var colName = rel.Columns[idx].Name
		var colType = rel.Columns[idx].DataType
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			fields.Set(colName, nil)
		case pglogrepl.TupleDataTypeToast:
			// Unchanged out-of-line values aren't sent, so the column is omitted.
		case pglogrepl.TupleDataTypeText:
			var val, err = decodeTextValue(s.typeMap, colType, col.Data)
			if err != nil {
				return nil, fmt.Errorf("error decoding column %q: %w", colName, err)
			}
			translated, err := translateRecordField(typeName(s.typeMap, colType), val)
			if err != nil {
				return nil, fmt.Errorf("error translating column %q: %w", colName, err)
			}
			fields.Set(colName, translated)
		default:
			return nil, fmt.Errorf("unhandled column data type %v", col.DataType)
		}
	}
	return fields, nil
}

// receiveXLogData returns the next transaction log message from the database. It
// returns false if no message arrived before the next status update, or a keepalive
// was received. In the process it sends Standby Status Update messages to the
// database, so it must be called regularly over the life of a replication stream.
func (s *replicationStream) receiveXLogData(ctx context.Context) (pglogrepl.XLogData, bool, error) {
	if time.Now().After(s.standbyStatusDeadline) {
		if err := s.sendStandbyStatusUpdate(ctx); err != nil {
			return pglogrepl.XLogData{}, false, fmt.Errorf("failed to send status update: %w", err)
		}
	}

	var receiveCtx, cancelReceiveCtx = context.WithDeadline(ctx, s.standbyStatusDeadline)
	var msg, err = s.conn.ReceiveMessage(receiveCtx)
	cancelReceiveCtx()
	if pgconn.Timeout(err) && ctx.Err() == nil {
		return pglogrepl.XLogData{}, false, nil
	} else if err != nil {
		return pglogrepl.XLogData{}, false, err
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return pglogrepl.XLogData{}, false, fmt.Errorf("error parsing keepalive: %w", err)
			}
			if pkm.ServerWALEnd > s.serverLSN {
				s.serverLSN = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				s.standbyStatusDeadline = time.Now()
			}
			return pglogrepl.XLogData{}, false, nil
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return xld, false, fmt.Errorf("error parsing XLogData: %w", err)
			}
			return xld, true, nil
		default:
			logrus.WithField("message", msg).Warn("unknown CopyData message")
		}
	case *pgproto3.ErrorResponse:
		return pglogrepl.XLogData{}, false, pgconn.ErrorResponseToPgError(msg)
	default:
		logrus.WithField("message", msg).Warn("unexpected message")
	}
	return pglogrepl.XLogData{}, false, nil
}

func (s *replicationStream) sendStandbyStatusUpdate(ctx context.Context) error {
	logrus.WithField("committed", s.committedLSN.String()).Trace("sending standby status update")
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.committedLSN,
	}); err != nil {
		return err
	}
	s.standbyStatusDeadline = time.Now().Add(standbyStatusInterval)
	return nil
}

// Acknowledge reports every change before lsn as durably delivered. It's never called
// concurrently with Stream, so the status update is sent immediately.
func (s *replicationStream) Acknowledge(ctx context.Context, lsn uint64) error {
	if pglogrepl.LSN(lsn) <= s.committedLSN {
		return nil
	}
	s.committedLSN = pglogrepl.LSN(lsn)
	logrus.WithField("lsn", s.committedLSN.String()).Debug("advancing replication slot")
	return s.sendStandbyStatusUpdate(ctx)
}

func (s *replicationStream) Close(ctx context.Context) error {
	if err := s.sendStandbyStatusUpdate(ctx); err != nil {
		logrus.WithField("err", err).Debug("error sending final status update")
	}
	return s.conn.Close(ctx)
}
