package contextdb

import (
	"fmt"
	"time"

	"github.com/syntrixbase/contextdb/internal/hashing"
	"github.com/syntrixbase/contextdb/internal/reindex"
	"github.com/syntrixbase/contextdb/internal/tombstone"
	"github.com/syntrixbase/contextdb/pkg/model"
)

// Options configures a DB.
type Options struct {
	// Fields names the reserved document fields.
	Fields model.Fields `yaml:"fields"`

	// DisableTimestamps turns off created_at / updated_at stamping.
	DisableTimestamps bool `yaml:"disable_timestamps"`

	// FingerprintAlgorithm hashes matcher definitions. Default: sha1
	FingerprintAlgorithm hashing.Algorithm `yaml:"fingerprint_algorithm"`

	// BindingAlgorithm hashes parameter bindings. Default: djb2
	BindingAlgorithm hashing.Algorithm `yaml:"binding_algorithm"`

	Tombstone tombstone.Config `yaml:"tombstone"`
	Reindex   reindex.Config   `yaml:"reindex"`

	// PageSize is the scan page size of context streams. Default: 256
	PageSize int `yaml:"page_size" validate:"gte=0"`

	// OnEvent receives engine events ("reindex-started", "indexed"). It is
	// registered before the startup reindex begins.
	OnEvent func(event string) `yaml:"-"`

	// Now is the clock used for timestamps. Default: time.Now
	Now func() time.Time `yaml:"-"`
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		Fields:               model.DefaultFields(),
		FingerprintAlgorithm: hashing.SHA1,
		BindingAlgorithm:     hashing.DJB2,
		Tombstone:            tombstone.DefaultConfig(),
		Reindex:              reindex.DefaultConfig(),
		PageSize:             256,
	}
}

// ApplyDefaults fills zero values. An empty Fields.Increment stays empty
// and disables sequence numbers.
func (o *Options) ApplyDefaults() {
	o.Fields.ApplyDefaults()
	if o.FingerprintAlgorithm == "" {
		o.FingerprintAlgorithm = hashing.SHA1
	}
	if o.BindingAlgorithm == "" {
		o.BindingAlgorithm = hashing.DJB2
	}
	o.Tombstone.ApplyDefaults()
	o.Reindex.ApplyDefaults()
	if o.PageSize <= 0 {
		o.PageSize = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Validate checks algorithm names and reserved field names.
func (o *Options) Validate() error {
	if _, err := hashing.ParseAlgorithm(string(o.FingerprintAlgorithm)); err != nil {
		return fmt.Errorf("fingerprint algorithm: %w", err)
	}
	if _, err := hashing.ParseAlgorithm(string(o.BindingAlgorithm)); err != nil {
		return fmt.Errorf("binding algorithm: %w", err)
	}
	if o.Fields.PrimaryKey == o.Fields.Increment {
		return fmt.Errorf("primary key and incrementing key must differ")
	}
	return nil
}

// ChangeInfo describes the writer of a change.
type ChangeInfo struct {
	// Source identifies the writer. Writes whose source is the DB itself
	// are ignored; contexts write back with their own id.
	Source string

	// Matcher names the matcher a context-local edit belongs to.
	Matcher string
}

// GenerateOptions selects what a context materializes.
type GenerateOptions struct {
	// Data holds the parameter values and any initial tree content.
	Data map[string]interface{}

	// MatcherRefs lists the matchers to materialize, in order.
	MatcherRefs []string
}
