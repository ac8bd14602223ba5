package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestCheckConnectionIntegration(t *testing.T) {
	var tb, ctx = requireBackend(t), context.Background()

	var write = func(t *testing.T, cfg Config) airbyte.ConfigFile {
		var path = filepath.Join(t.TempDir(), "config.json")
		var bs, err = json.Marshal(cfg)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, bs, 0644))
		return airbyte.ConfigFile(path)
	}

	t.Run("standard", func(t *testing.T) {
		require.NoError(t, checkConnection(ctx, write(t, tb.cfg)))
	})
	t.Run("cdc", func(t *testing.T) {
		var cfg = tb.cfg
		cfg.ReplicationMethod = string(sqlcapture.ReplicationMethodCDC)
		require.NoError(t, checkConnection(ctx, write(t, cfg)))
	})
	t.Run("bad password", func(t *testing.T) {
		var cfg = tb.cfg
		cfg.Password = "definitely not the password"
		require.ErrorContains(t, checkConnection(ctx, write(t, cfg)), "incorrect username or password")
	})
}

func TestXminIntegration(t *testing.T) {
	var tb, ctx = requireBackend(t), context.Background()
	var table = tb.CreateTable(ctx, t, "", "(id INTEGER PRIMARY KEY, data TEXT)")
	tb.Insert(ctx, t, table, [][]any{{1, "one"}, {2, "two"}, {3, "three"}})

	var cfg = tb.cfg
	cfg.ReplicationMethod = string(sqlcapture.ReplicationMethodXmin)
	cfg.SetDefaults()

	var db = tb.Connect(ctx, t)
	var snapshot, err = db.SnapshotXmin(ctx)
	require.NoError(t, err)
	require.NotZero(t, snapshot)

	var out = runSync(ctx, t, cfg, nil, airbyte.SyncModeIncremental, nil, table)
	require.Len(t, out.records(), 3)
	var state = out.lastState(t)
	require.Equal(t, airbyte.StateTypeStream, state.Type)
	stateDoc, err := json.Marshal([]*airbyte.State{state})
	require.NoError(t, err)

	tb.Update(ctx, t, table, "id", 2, "data", "deux")
	out = runSync(ctx, t, cfg, stateDoc, airbyte.SyncModeIncremental, nil, table)
	var records = out.records()
	require.Len(t, records, 1)
	require.Equal(t, "deux", records[0].Get("data").String())
}
