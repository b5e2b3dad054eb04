package mcp

import "github.com/nvandessel/expstore/internal/store"

// ScopesInput defines the input for the expstore_scopes tool.
type ScopesInput struct {
	Name string `json:"name,omitempty" jsonschema:"Scope to describe. Empty lists every scope"`
}

// ScopesOutput defines the output for the expstore_scopes tool.
type ScopesOutput struct {
	Scopes []ScopeSummary `json:"scopes" jsonschema:"Stored scopes"`
	Count  int            `json:"count" jsonschema:"Number of scopes returned"`
}

// ScopeSummary describes one stored scope.
type ScopeSummary struct {
	Name     string   `json:"name"`
	Desc     string   `json:"desc,omitempty"`
	Inputs   []string `json:"inputs"`
	Measures []string `json:"measures"`
	Version  int      `json:"version"`
	// Definition is the scope as YAML.
	Definition string `json:"definition"`
}

// DesignsInput defines the input for the expstore_designs tool.
type DesignsInput struct {
	Scope string `json:"scope,omitempty" jsonschema:"Scope name. May be empty when the store holds one scope"`
}

// DesignsOutput defines the output for the expstore_designs tool.
type DesignsOutput struct {
	Scope   string          `json:"scope"`
	Designs []DesignSummary `json:"designs"`
	Count   int             `json:"count"`
}

// DesignSummary names a design and its size.
type DesignSummary struct {
	Name        string `json:"name"`
	Experiments int    `json:"experiments"`
}

// SourcesInput defines the input for the expstore_sources tool.
type SourcesInput struct {
	Scope  string `json:"scope,omitempty" jsonschema:"Scope whose measure sources to report. Empty lists the registry only"`
	Design string `json:"design,omitempty" jsonschema:"Restrict source discovery to one design"`
}

// SourcesOutput defines the output for the expstore_sources tool.
type SourcesOutput struct {
	Registered []store.Source `json:"registered" jsonschema:"Every registered computational source"`
	// WithValues lists sources that have written measures in the scope.
	WithValues []int64 `json:"with_values" jsonschema:"Sources that have written measure values in the scope"`
}

// ReadInput defines the input for the expstore_read tool.
type ReadInput struct {
	Scope         string   `json:"scope,omitempty" jsonschema:"Scope name. May be empty when the store holds one scope"`
	Design        string   `json:"design,omitempty" jsonschema:"Design to read. Empty reads every experiment of the scope"`
	Columns       string   `json:"columns,omitempty" jsonschema:"Which columns to return: all (default), parameters or measures"`
	Measures      []string `json:"measures,omitempty" jsonschema:"Measures to return. Empty returns every declared measure"`
	ExperimentIDs []int64  `json:"experiment_ids,omitempty" jsonschema:"Restrict the read to these experiment ids"`
	Source        *int64   `json:"source,omitempty" jsonschema:"Source id to read values from. Required when several sources wrote a measure"`
	Runs          string   `json:"runs,omitempty" jsonschema:"Run history mode for measures: current (default), valid or all"`
	OnlyPending   bool     `json:"only_pending,omitempty" jsonschema:"Keep only experiments missing at least one selected measure"`
	Limit         int      `json:"limit,omitempty" jsonschema:"Maximum rows to return (default 500)"`
}

// ReadOutput defines the output for the expstore_read tool.
type ReadOutput struct {
	Scope     string           `json:"scope"`
	Design    string           `json:"design,omitempty"`
	Columns   []string         `json:"columns"`
	Records   []map[string]any `json:"records"`
	Count     int              `json:"count" jsonschema:"Rows returned"`
	Total     int              `json:"total" jsonschema:"Rows matched before the limit"`
	Truncated bool             `json:"truncated,omitempty"`
}

// StatsInput defines the input for the expstore_stats tool.
type StatsInput struct{}

// StatsOutput defines the output for the expstore_stats tool.
type StatsOutput struct {
	Path  string      `json:"path"`
	Stats store.Stats `json:"stats"`
}
