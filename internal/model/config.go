package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Utility extension points, in payload-lifecycle order.
const (
	OrderBeforePayload        = "before_payload"
	OrderWithPayload          = "with_payload"
	OrderAfterPayloadStarted  = "after_payload_started"
	OrderAfterPayloadFinished = "after_payload_finished"
)

const (
	DefaultPayloadStdout = "payload.stdout"
	DefaultPayloadStderr = "payload.stderr"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version"` // fixed 0 for now
	Agent     Agent     `json:"agent"`
	Payload   Payload   `json:"payload"`
	Utilities []Utility `json:"utilities,omitempty"`
}

// Agent level settings: where jobs come from, where they run, when to stop.
type Agent struct {
	Verbose  *bool    `json:"verbose,omitempty"`
	Workdir  string   `json:"workdir"`            // base dir for per-job work directories
	Spool    string   `json:"spool"`              // job descriptions and input files
	Lifetime *string  `json:"lifetime,omitempty"` // e.g. "2h"; empty => unlimited
	Monitor  *Monitor `json:"monitor,omitempty"`
}

// Monitor cadence; cron takes precedence over every when both are set.
type Monitor struct {
	Cron  *string `json:"cron,omitempty"`  // five-field cron expression
	Every *string `json:"every,omitempty"` // e.g. "30s"
}

// Payload command construction and output capture.
type Payload struct {
	Setup     *string `json:"setup,omitempty"`  // environment/module setup prefix
	Stdout    *string `json:"stdout,omitempty"` // default payload.stdout
	Stderr    *string `json:"stderr,omitempty"` // default payload.stderr
	Companion *string `json:"companion,omitempty"`
}

// Utility is one auxiliary command bound to a payload-lifecycle order.
type Utility struct {
	Name       string  `json:"name"`
	Command    string  `json:"command"`
	Args       *string `json:"args,omitempty"`
	Order      string  `json:"order"`
	KillSignal *int    `json:"kill_signal,omitempty"` // default SIGTERM
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is written on first run when no config file exists yet.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Agent: Agent{
			Workdir: "work",
			Spool:   "spool",
		},
		Payload: Payload{},
	}
}

// PayloadStdout returns the configured payload stdout filename or the default.
func (c Config) PayloadStdout() string {
	if c.Payload.Stdout != nil && *c.Payload.Stdout != "" {
		return *c.Payload.Stdout
	}
	return DefaultPayloadStdout
}

// PayloadStderr returns the configured payload stderr filename or the default.
func (c Config) PayloadStderr() string {
	if c.Payload.Stderr != nil && *c.Payload.Stderr != "" {
		return *c.Payload.Stderr
	}
	return DefaultPayloadStderr
}
