package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Metadata keys shared across job types.
const (
	MetadataOrg      = "org"
	MetadataLogLevel = "log_level"
)

// ErrInvalidConfiguration marks builder misuse: a required setter received
// an unusable value. The error sticks to the config and surfaces on Submit.
var ErrInvalidConfiguration = errors.New("invalid job configuration")

// ValidationError reports an argument bag that does not satisfy a job's
// contract. Cause carries the underlying *ConversionError when a kind
// mismatch triggered the failure.
type ValidationError struct {
	JobKey string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("job %s: %s: %v", e.JobKey, e.Reason, e.Cause)
	}
	return fmt.Sprintf("job %s: %s", e.JobKey, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Config assembles a job submission. Setter failures stick: once a required
// input is rejected every later call is a no-op and Err reports the first
// failure. Validate is the separate, pure contract check run on Submit.
type Config struct {
	jobKey   string
	name     string
	args     Arguments
	metadata map[string]string
	validate func(Arguments) *ValidationError
	err      error
}

// NewConfig starts a config for the given job key and display name.
func NewConfig(jobKey, name string) *Config {
	return &Config{
		jobKey:   jobKey,
		name:     name,
		args:     make(Arguments),
		metadata: make(map[string]string),
	}
}

// JobKey returns the handler registry key.
func (c *Config) JobKey() string { return c.jobKey }

// Name returns the human-readable job name.
func (c *Config) Name() string { return c.name }

// Arguments returns the underlying bag.
func (c *Config) Arguments() Arguments { return c.args }

// Metadata returns the metadata map.
func (c *Config) Metadata() map[string]string { return c.metadata }

// Err reports the first sticky setter failure, if any.
func (c *Config) Err() error { return c.err }

func (c *Config) fail(field string) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: %s", ErrInvalidConfiguration, field)
	}
}

func (c *Config) setRequiredString(key, value string) {
	if c.err != nil {
		return
	}
	if strings.TrimSpace(value) == "" {
		c.fail(key)
		return
	}
	c.args.SetString(key, value)
}

// setMetadata records a metadata entry, skipping empty values.
func (c *Config) setMetadata(key, value string) {
	if c.err != nil || value == "" {
		return
	}
	c.metadata[key] = value
}

// setValidator installs the job's contract check.
func (c *Config) setValidator(fn func(Arguments) *ValidationError) {
	c.validate = fn
}

// Validate checks the assembled arguments against the job's contract. It
// never mutates the config.
func (c *Config) Validate() error {
	if c.err != nil {
		return c.err
	}
	if c.validate == nil {
		return nil
	}
	if verr := c.validate(c.args); verr != nil {
		verr.JobKey = c.jobKey
		return verr
	}
	return nil
}
