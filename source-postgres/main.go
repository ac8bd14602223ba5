package main

import (
	"context"
	"fmt"
	"os"

	"github.com/estuary/pgextract/go-types/airbyte"
	cerrors "github.com/estuary/pgextract/go/connector-errors"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/invopop/jsonschema"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

func main() {
	var schema, err = configSchema()
	if err != nil {
		log.WithField("err", err).Fatal("error generating endpoint schema")
	}
	airbyte.RunMain(airbyte.Spec{
		SupportsIncremental:           true,
		SupportedDestinationSyncModes: airbyte.AllDestinationSyncModes,
		ConnectionSpecification:       schema,
	}, doCheck, doDiscover, doRead)
}

func configSchema() (json.RawMessage, error) {
	var reflector = jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	var schema = reflector.Reflect(&Config{})
	schema.AdditionalProperties = nil
	schema.Title = "PostgreSQL Source Spec"
	return schema.MarshalJSON()
}

// loadConfig parses, validates, and fills in the defaults of the endpoint configuration.
func loadConfig(file airbyte.ConfigFile) (*Config, error) {
	var cfg Config
	if err := file.Parse(&cfg); err != nil {
		return nil, cerrors.NewUserError(err, fmt.Sprintf("invalid endpoint configuration: %v", err))
	}
	cfg.SetDefaults()
	return &cfg, nil
}

func doCheck(args airbyte.CheckCmd) error {
	var result = &airbyte.ConnectionStatus{Status: airbyte.StatusSucceeded}
	if err := checkConnection(args.Context(), args.ConfigFile); err != nil {
		log.WithField("err", err).Warn("connection check failed")
		result.Status = airbyte.StatusFailed
		result.Message = err.Error()
	}
	return airbyte.NewStdoutEncoder().Encode(airbyte.Message{
		Type:             airbyte.MessageTypeConnectionStatus,
		ConnectionStatus: result,
	})
}

// checkConnection connects to the database, runs a trivial query, and in CDC mode
// validates the replication slot and publication.
func checkConnection(ctx context.Context, configFile airbyte.ConfigFile) error {
	var cfg, err = loadConfig(configFile)
	if err != nil {
		return err
	}
	db, err := connectPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var one int
	if err := db.conn.QueryRow(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("error querying database: %w", err)
	}
	if _, err := db.ServerInfo(ctx); err != nil {
		return err
	}
	if sqlcapture.ReplicationMethod(cfg.ReplicationMethod) == sqlcapture.ReplicationMethodCDC {
		return db.SetupPrerequisites(ctx, nil)
	}
	return nil
}

func doDiscover(args airbyte.DiscoverCmd) error {
	var cfg, err = loadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	catalog, err := discoverCatalog(args.Context(), cfg)
	if err != nil {
		return err
	}
	log.WithField("count", len(catalog.Streams)).Info("discovered streams")
	return airbyte.NewStdoutEncoder().Encode(airbyte.Message{
		Type:    airbyte.MessageTypeCatalog,
		Catalog: catalog,
	})
}

func doRead(args airbyte.ReadCmd) error {
	var ctx = args.Context()
	var cfg, err = loadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	var catalog airbyte.ConfiguredCatalog
	if err := args.CatalogFile.Parse(&catalog); err != nil {
		return cerrors.NewUserError(err, fmt.Sprintf("invalid configured catalog: %v", err))
	}
	stateBytes, err := args.StateFile.Bytes()
	if err != nil {
		return err
	}
	state, err := sqlcapture.DecodeCaptureState(stateBytes)
	if err != nil {
		return cerrors.NewUserError(err, fmt.Sprintf("invalid state: %v", err))
	}

	db, err := connectPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var capture = &sqlcapture.Capture{
		Catalog:  &catalog,
		State:    state,
		Database: db,
		Output:   airbyte.NewMessageEncoder(os.Stdout, false),
		Config:   cfg.EngineConfig(),
	}
	return capture.Run(ctx)
}
