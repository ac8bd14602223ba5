package sqlcapture

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/invopop/jsonschema"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ColumnSchemaFunc translates the type of a column into a JSON schema.
type ColumnSchemaFunc func(column ColumnInfo) (*jsonschema.Schema, error)

// DiscoverCatalog generates the catalog of streams describing the provided tables.
func DiscoverCatalog(tables []*TableInfo, translate ColumnSchemaFunc, method ReplicationMethod) (*airbyte.Catalog, error) {
	if len(tables) == 0 {
		logrus.Warn("no tables discovered; note that tables in system schemas will not be discovered")
	}

	var catalog = &airbyte.Catalog{Streams: []airbyte.Stream{}}
	for _, table := range tables {
		var logEntry = logrus.WithFields(logrus.Fields{
			"stream":     table.Stream.String(),
			"primaryKey": table.PrimaryKey,
		})
		logEntry.Debug("discovered table")

		var properties = orderedmap.New[string, *jsonschema.Schema]()
		for _, column := range table.Columns {
			var schema, err = translate(column)
			if err != nil {
				// Unhandled types are translated to the catch-all schema {} but with
				// a description clarifying that we don't have a better translation.
				logEntry.WithFields(logrus.Fields{
					"error": err,
					"type":  column.DataType,
				}).Debug("error translating column type to JSON schema")
				schema = &jsonschema.Schema{Description: fmt.Sprintf("using catch-all schema: %v", err)}
			}
			properties.Set(column.Name, schema)
		}
		if method == ReplicationMethodCDC {
			properties.Set(cdcLSNColumn, &jsonschema.Schema{Type: "number"})
			properties.Set(cdcUpdatedAtColumn, &jsonschema.Schema{Type: "string", Format: "date-time"})
			properties.Set(cdcDeletedAtColumn, &jsonschema.Schema{Type: "string", Format: "date-time"})
		}

		var schema = &jsonschema.Schema{
			Type:       "object",
			Properties: properties,
		}
		var rawSchema, err = schema.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("error marshalling schema JSON: %w", err)
		}
		logEntry.WithField("schema", string(rawSchema)).Trace("translated table schema")

		var stream = airbyte.Stream{
			Name:               table.Stream.Name,
			Namespace:          table.Stream.Namespace,
			JSONSchema:         rawSchema,
			SupportedSyncModes: airbyte.AllSyncModes,
			IsResumable:        true,
		}
		for _, key := range table.PrimaryKey {
			stream.SourceDefinedPrimaryKey = append(stream.SourceDefinedPrimaryKey, []string{key})
		}
		if method == ReplicationMethodCDC {
			stream.SourceDefinedCursor = true
			stream.DefaultCursorField = []string{cdcLSNColumn}
		}
		catalog.Streams = append(catalog.Streams, stream)
	}
	return catalog, nil
}

var versionRe = regexp.MustCompile(`(?i)^v?(\d+)\.(\d+)`)

// ParseVersion attempts to parse the major and minor version from a database version string. The
// version string can be optionally prefixed with a "v" which must be followed by one or more digits
// for the major version, a period, and one or more digits for the minor version. Characters
// following the minor version digit(s) are allowed but have no impact on the parsed result.
func ParseVersion(versionStr string) (major, minor int, err error) {
	if matches := versionRe.FindAllStringSubmatch(versionStr, -1); len(matches) != 1 {
		return 0, 0, fmt.Errorf("could not extract major and minor version")
	} else if parts := matches[0]; len(parts) != 3 { // Index 0 is the entire matched string; 1 and 2 are the capture groups
		return 0, 0, fmt.Errorf("could not extract major and minor version")
	} else if major, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	} else if minor, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, err
	}

	return major, minor, nil
}

// ValidVersion compares a given major and minor version with a required major and minor version.
func ValidVersion(major, minor, reqMajor, reqMinor int) bool {
	if major > reqMajor {
		return true
	} else if major < reqMajor || minor < reqMinor {
		return false
	}

	return true
}
