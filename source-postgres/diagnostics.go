package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Transactions open for longer than this hold back the snapshot xmin of incremental reads.
const longTransactionThreshold = 5 * time.Minute

// Slots retaining more WAL than this are reported.
const retainedWALWarning = 1 << 30

// logSlotDiagnostics logs how far the replication slot trails the current WAL position.
func (db *postgresDatabase) logSlotDiagnostics(ctx context.Context, currentLSN uint64) {
	var logSlot = log.WithField("slot", db.config.Advanced.SlotName)
	var slotInfo, err = queryReplicationSlotInfo(ctx, db.conn, db.config.Advanced.SlotName)
	if err != nil {
		logSlot.WithError(err).Warn("error checking replication slot info")
		return
	} else if slotInfo == nil {
		logSlot.Warn("missing replication slot info")
		return
	}

	var fields = log.Fields{
		"active":    slotInfo.Active,
		"walStatus": slotInfo.WALStatus,
		"current":   pglogrepl.LSN(currentLSN).String(),
	}
	if slotInfo.ConfirmedFlushLSN == nil {
		logSlot.WithFields(fields).Warn("replication slot has no confirmed_flush_lsn (and is likely still being created but blocked on a long-running transaction)")
		return
	}
	fields["confirmed"] = slotInfo.ConfirmedFlushLSN.String()
	if slotInfo.RestartLSN != nil {
		fields["restart"] = slotInfo.RestartLSN.String()
		if restart := uint64(*slotInfo.RestartLSN); restart <= currentLSN {
			var retained = currentLSN - restart
			fields["retainedBytes"] = retained
			if retained > retainedWALWarning {
				logSlot.WithFields(fields).Warn("replication slot is retaining a large amount of WAL")
				return
			}
		}
	}
	logSlot.WithFields(fields).Info("replication slot status")
}

// logLongRunningTransactions logs transactions which have been open for longer than
// `minDuration`, since they hold back what an xmin incremental read can observe.
func logLongRunningTransactions(ctx context.Context, conn *pgxpool.Pool, minDuration time.Duration) {
	var longTxns, err = listLongRunningTransactions(ctx, conn, minDuration)
	if err != nil {
		log.WithError(err).Debug("unable to query long-running transactions")
		return
	}
	for _, txn := range longTxns {
		var logFields = log.Fields{
			"pid":      txn.PID,
			"duration": txn.Duration.String(),
			"query":    txn.Query,
			"state":    txn.State,
		}
		if txn.Username != nil {
			logFields["username"] = *txn.Username
		}
		if txn.ApplicationName != nil {
			logFields["application_name"] = *txn.ApplicationName
		}
		log.WithFields(logFields).Warn("detected long-running transaction")
	}
}

type longRunningTransaction struct {
	PID             int
	Duration        time.Duration
	Username        *string
	ApplicationName *string
	Query           string
	State           string
}

const queryLongRunningTransactions = `
    SELECT pid, now() - pg_stat_activity.xact_start AS duration, usename, application_name, coalesce(query, ''), coalesce(state, '')
      FROM pg_stat_activity
      WHERE pg_stat_activity.xact_start IS NOT NULL
        AND pid != pg_backend_pid()
        AND (now() - pg_stat_activity.xact_start) > $1::interval;`

func listLongRunningTransactions(ctx context.Context, conn *pgxpool.Pool, minDuration time.Duration) ([]longRunningTransaction, error) {
	var interval = fmt.Sprintf("%d seconds", int(minDuration.Seconds()))
	var rows, err = conn.Query(ctx, queryLongRunningTransactions, interval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []longRunningTransaction
	for rows.Next() {
		var txn longRunningTransaction
		if err := rows.Scan(&txn.PID, &txn.Duration, &txn.Username, &txn.ApplicationName, &txn.Query, &txn.State); err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}
