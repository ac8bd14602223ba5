package airbyte

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cerrors "github.com/estuary/pgextract/go/connector-errors"
	"github.com/jessevdk/go-flags"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

// ConfigFile is the path of a JSON endpoint configuration file.
type ConfigFile string

// Parse the configuration file into the target, and validate it if the target
// implements Validate.
func (f ConfigFile) Parse(target interface{}) error {
	return parseJSONFile(string(f), target)
}

// CatalogFile is the path of a JSON configured catalog file.
type CatalogFile string

func (f CatalogFile) Parse(target interface{}) error {
	return parseJSONFile(string(f), target)
}

// StateFile is the path of a JSON state file from a previous invocation. It may be empty.
type StateFile string

// Bytes returns the raw contents of the state file, or nil if no state file was given
// or the file is empty.
func (f StateFile) Bytes() ([]byte, error) {
	if f == "" {
		return nil, nil
	}
	var bs, err = os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("reading state file %q: %w", string(f), err)
	}
	if len(bytes.TrimSpace(bs)) == 0 {
		return nil, nil
	}
	return bs, nil
}

type validator interface {
	Validate() error
}

func parseJSONFile(path string, target interface{}) error {
	var bs, err = os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}
	if err := json.Unmarshal(bs, target); err != nil {
		return fmt.Errorf("parsing %q: %w", path, err)
	}
	if v, ok := target.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validating %q: %w", path, err)
		}
	}
	return nil
}

type SpecCmd struct {
	ctx context.Context
	run func(SpecCmd) error
}

func (c SpecCmd) Context() context.Context   { return c.ctx }
func (c *SpecCmd) Execute(_ []string) error { return c.run(*c) }

type CheckCmd struct {
	ConfigFile ConfigFile `long:"config" required:"true" description:"Path to the endpoint configuration JSON file"`

	ctx context.Context
	run func(CheckCmd) error
}

func (c CheckCmd) Context() context.Context   { return c.ctx }
func (c *CheckCmd) Execute(_ []string) error { return c.run(*c) }

type DiscoverCmd struct {
	ConfigFile ConfigFile `long:"config" required:"true" description:"Path to the endpoint configuration JSON file"`

	ctx context.Context
	run func(DiscoverCmd) error
}

func (c DiscoverCmd) Context() context.Context   { return c.ctx }
func (c *DiscoverCmd) Execute(_ []string) error { return c.run(*c) }

type ReadCmd struct {
	ConfigFile  ConfigFile  `long:"config" required:"true" description:"Path to the endpoint configuration JSON file"`
	CatalogFile CatalogFile `long:"catalog" required:"true" description:"Path to the configured catalog JSON file"`
	StateFile   StateFile   `long:"state" description:"Path to the state JSON file of a previous invocation"`

	ctx context.Context
	run func(ReadCmd) error
}

func (c ReadCmd) Context() context.Context   { return c.ctx }
func (c *ReadCmd) Execute(_ []string) error { return c.run(*c) }

// RunMain is the boilerplate main function of an Airbyte source connector. It configures
// logging from the environment, dispatches the spec/check/discover/read subcommands, and
// exits with a non-zero status if the subcommand fails.
func RunMain(spec Spec, check func(CheckCmd) error, discover func(DiscoverCmd) error, read func(ReadCmd) error) {
	switch format := getEnvDefault("LOG_FORMAT", "color"); format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.WithField("format", format).Fatal("invalid LOG_FORMAT (expected 'json', 'text', or 'color')")
	}
	log.SetOutput(os.Stderr)

	if lvl, err := log.ParseLevel(getEnvDefault("LOG_LEVEL", "info")); err != nil {
		log.WithFields(log.Fields{"level": lvl, "error": err}).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)
	addCmd(parser.Command, "spec", "Output the connector specification", &SpecCmd{ctx: ctx, run: func(SpecCmd) error {
		return NewStdoutEncoder().Encode(Message{Type: MessageTypeSpec, Spec: &spec})
	}})
	addCmd(parser.Command, "check", "Check connectivity using the provided configuration", &CheckCmd{ctx: ctx, run: check})
	addCmd(parser.Command, "discover", "Discover the streams available with the provided configuration", &DiscoverCmd{ctx: ctx, run: discover})
	addCmd(parser.Command, "read", "Read the configured catalog, resuming from the provided state", &ReadCmd{ctx: ctx, run: read})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		cerrors.HandleFinalError(err)
	}
	os.Exit(0)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, name, description string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(name, description, description, iface)
	if err != nil {
		panic(err)
	}
	return cmd
}

func getEnvDefault(name, def string) string {
	var s = os.Getenv(name)
	if s == "" {
		return def
	}
	return s
}
