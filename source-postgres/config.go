package main

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/estuary/pgextract/sqlcapture"
	"github.com/invopop/jsonschema"
	iso8601 "github.com/senseyeio/duration"
	"github.com/segmentio/encoding/json"
)

// Config tells the connector how to connect to and interact with the source database.
type Config struct {
	Address           string         `json:"address" jsonschema:"title=Server Address,description=The host or host:port at which the database can be reached." jsonschema_extras:"order=0"`
	Database          string         `json:"database" jsonschema:"title=Database,description=Logical database name to capture from." jsonschema_extras:"order=1"`
	User              string         `json:"user" jsonschema:"title=User,description=The database user to authenticate as." jsonschema_extras:"order=2"`
	Password          string         `json:"password" jsonschema:"title=Password,description=Password for the specified database user." jsonschema_extras:"secret=true,order=3"`
	ReplicationMethod string         `json:"replication_method,omitempty" jsonschema:"title=Replication Method,description=How incremental streams are read. CDC reads the write-ahead log through a replication slot.,enum=Standard,enum=CDC,enum=Xmin,default=Standard" jsonschema_extras:"order=4"`
	Advanced          advancedConfig `json:"advanced,omitempty" jsonschema:"title=Advanced Options,description=Options for advanced users. You should not typically need to modify these." jsonschema_extras:"advanced=true"`
}

type advancedConfig struct {
	SlotName              string   `json:"slot_name,omitempty" jsonschema:"title=Replication Slot,default=airbyte_slot,description=The name of the logical replication slot to read from."`
	PublicationName       string   `json:"publication_name,omitempty" jsonschema:"title=Publication,default=airbyte_publication,description=The name of the publication which includes the captured tables."`
	Plugin                string   `json:"plugin,omitempty" jsonschema:"title=Decoding Plugin,default=pgoutput,enum=pgoutput,description=The logical decoding plugin of the replication slot."`
	SyncCheckpointRecords int      `json:"sync_checkpoint_records,omitempty" jsonschema:"title=Checkpoint Records,default=10000,description=The number of records emitted between state checkpoints."`
	ChunkSize             int      `json:"chunk_size,omitempty" jsonschema:"title=Table Scan Chunk Size,default=10000,description=The number of rows read by each query of a physical-order table scan."`
	FeatureFlags          string   `json:"feature_flags,omitempty" jsonschema:"title=Feature Flags,description=A comma-separated list of flags. A flag prefixed with 'no_' is disabled."`
	LSNCommitBehaviour    string   `json:"lsn_commit_behaviour,omitempty" jsonschema:"title=LSN Commit Behaviour,default=After loading Data in the destination,enum=After loading Data in the destination,enum=While reading Data,description=When the replication slot is advanced past the changes of a sync."`
	InitialWait           Duration `json:"initial_wait,omitempty" jsonschema:"title=Initial Wait,default=PT5M,description=The longest the replication stream is read without reaching the position the sync started at."`
	SSLMode               string   `json:"sslmode,omitempty" jsonschema:"title=SSL Mode,description=Overrides SSL connection behavior by setting the 'sslmode' parameter.,enum=disable,enum=allow,enum=prefer,enum=require,enum=verify-ca,enum=verify-full"`

	parsedFeatureFlags map[string]bool // Parsed feature flags setting with defaults applied
}

const (
	lsnCommitAfterLoading = "After loading Data in the destination"
	lsnCommitWhileReading = "While reading Data"

	defaultSlotName        = "airbyte_slot"
	defaultPublicationName = "airbyte_publication"
	defaultPlugin          = "pgoutput"
	defaultInitialWait     = "PT5M"
	defaultPort            = "5432"
)

var featureFlagDefaults = map[string]bool{
	// When set, streams which lack a primary key or cursor are loaded with chunked
	// physical-order table scans before switching to their configured strategy.
	"cursor_via_ctid": true,
}

var sslModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate checks that the configuration possesses all required properties.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"address", c.Address},
		{"database", c.Database},
		{"user", c.User},
		{"password", c.Password},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}

	switch sqlcapture.ReplicationMethod(c.ReplicationMethod) {
	case "", sqlcapture.ReplicationMethodStandard, sqlcapture.ReplicationMethodCDC, sqlcapture.ReplicationMethodXmin:
	default:
		return fmt.Errorf("invalid 'replication_method' configuration %q", c.ReplicationMethod)
	}
	switch c.Advanced.LSNCommitBehaviour {
	case "", lsnCommitAfterLoading, lsnCommitWhileReading:
	default:
		return fmt.Errorf("invalid 'lsn_commit_behaviour' configuration %q", c.Advanced.LSNCommitBehaviour)
	}
	if c.Advanced.Plugin != "" && c.Advanced.Plugin != defaultPlugin {
		return fmt.Errorf("unsupported decoding plugin %q (only %q is supported)", c.Advanced.Plugin, defaultPlugin)
	}
	if c.Advanced.SSLMode != "" && !slices.Contains(sslModes, c.Advanced.SSLMode) {
		return fmt.Errorf("invalid 'sslmode' configuration: unknown setting %q", c.Advanced.SSLMode)
	}
	if c.Advanced.SyncCheckpointRecords < 0 {
		return fmt.Errorf("invalid 'sync_checkpoint_records' configuration %d", c.Advanced.SyncCheckpointRecords)
	}
	if c.Advanced.ChunkSize < 0 {
		return fmt.Errorf("invalid 'chunk_size' configuration %d", c.Advanced.ChunkSize)
	}
	if c.Advanced.InitialWait.AsDuration() < 0 {
		return fmt.Errorf("invalid 'initial_wait' configuration %q", c.Advanced.InitialWait.String())
	}
	return nil
}

// SetDefaults fills in the default values for unset optional parameters.
func (c *Config) SetDefaults() {
	if c.ReplicationMethod == "" {
		c.ReplicationMethod = string(sqlcapture.ReplicationMethodStandard)
	}
	if c.Advanced.SlotName == "" {
		c.Advanced.SlotName = defaultSlotName
	}
	if c.Advanced.PublicationName == "" {
		c.Advanced.PublicationName = defaultPublicationName
	}
	if c.Advanced.Plugin == "" {
		c.Advanced.Plugin = defaultPlugin
	}
	if c.Advanced.SyncCheckpointRecords == 0 {
		c.Advanced.SyncCheckpointRecords = sqlcapture.DefaultCheckpointRecords
	}
	if c.Advanced.ChunkSize == 0 {
		c.Advanced.ChunkSize = sqlcapture.DefaultChunkSize
	}
	if c.Advanced.LSNCommitBehaviour == "" {
		c.Advanced.LSNCommitBehaviour = lsnCommitAfterLoading
	}
	if c.Advanced.InitialWait.AsDuration() == 0 {
		_ = c.Advanced.InitialWait.Parse(defaultInitialWait)
	}

	// The address config property should accept a host value with no port and use a
	// reasonable default port in that case.
	if !strings.Contains(c.Address, ":") {
		c.Address += ":" + defaultPort
	}

	c.Advanced.parsedFeatureFlags = ParseFeatureFlags(c.Advanced.FeatureFlags, featureFlagDefaults)
}

// ToURI converts the Config to a DSN string.
func (c *Config) ToURI() string {
	var address = c.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, defaultPort)
	}
	var uri = url.URL{
		Scheme: "postgres",
		Host:   address,
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.Database != "" {
		uri.Path = "/" + c.Database
	}
	var params = make(url.Values)
	if c.Advanced.SSLMode != "" {
		params.Set("sslmode", c.Advanced.SSLMode)
	}
	if len(params) > 0 {
		uri.RawQuery = params.Encode()
	}
	return uri.String()
}

// EngineConfig returns the settings of the sync engine described by the configuration.
func (c *Config) EngineConfig() sqlcapture.Config {
	var flags = c.Advanced.parsedFeatureFlags
	if flags == nil {
		flags = ParseFeatureFlags(c.Advanced.FeatureFlags, featureFlagDefaults)
	}
	return sqlcapture.Config{
		Method:                  sqlcapture.ReplicationMethod(c.ReplicationMethod),
		CtidBootstrap:           flags["cursor_via_ctid"],
		CheckpointRecords:       c.Advanced.SyncCheckpointRecords,
		ChunkSize:               c.Advanced.ChunkSize,
		InitialWait:             c.Advanced.InitialWait.AsDuration(),
		AcknowledgeWhileReading: c.Advanced.LSNCommitBehaviour == lsnCommitWhileReading,
	}
}

// ParseFeatureFlags parses a comma-separated list of flag names and combines that with a
// map describing default flag settings in the absence of any flags. A flag name can be
// prefixed with 'no_' to explicitly set it to a false value, in case the default is (or
// might soon become) true.
func ParseFeatureFlags(flags string, defaults map[string]bool) map[string]bool {
	var settings = make(map[string]bool)
	for k, v := range defaults {
		settings[k] = v
	}
	for _, flagName := range strings.Split(flags, ",") {
		flagName = strings.TrimSpace(flagName)
		var flagValue = true
		if strings.HasPrefix(flagName, "no_") {
			flagName = strings.TrimPrefix(flagName, "no_")
			flagValue = false
		}
		if flagName != "" {
			settings[flagName] = flagValue
		}
	}
	return settings
}

// Duration is an ISO 8601 duration like "PT5M".
type Duration iso8601.Duration

func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "string",
		Format:  "duration",
		Default: defaultInitialWait,
	}
}

func (x Duration) String() string               { return iso8601.Duration(x).String() }
func (x Duration) MarshalJSON() ([]byte, error) { return iso8601.Duration(x).MarshalJSON() }

// Parse sets the duration from its ISO 8601 representation. The empty string is
// the zero duration.
func (x *Duration) Parse(s string) error {
	if s == "" {
		*x = Duration{}
		return nil
	}
	var parsed, err = iso8601.ParseISO8601(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*x = Duration(parsed)
	return nil
}

func (x *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return x.Parse(s)
}

// AsDuration approximates the duration as a time.Duration. Days, weeks, months,
// and years are taken as 24 hours, 7 days, 30 days, and 365 days.
func (x Duration) AsDuration() time.Duration {
	return time.Duration(x.TH)*time.Hour +
		time.Duration(x.TM)*time.Minute +
		time.Duration(x.TS)*time.Second +
		time.Duration(x.D)*24*time.Hour +
		time.Duration(x.W)*7*24*time.Hour +
		time.Duration(x.M)*30*24*time.Hour +
		time.Duration(x.Y)*365*24*time.Hour
}
