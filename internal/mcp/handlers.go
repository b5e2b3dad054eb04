package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/expstore/internal/ratelimit"
	"github.com/nvandessel/expstore/internal/scope"
	"github.com/nvandessel/expstore/internal/store"
)

const (
	defaultReadLimit = 500
	scopesURI        = "expstore://scopes"
	scopeURIPrefix   = scopesURI + "/"
)

// registerTools registers all expstore MCP tools with the server.
func (s *Server) registerTools() error {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "expstore_scopes",
		Description: "List stored scopes with their inputs, measures and YAML definition",
	}, s.handleScopes)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "expstore_designs",
		Description: "List the named designs of a scope and how many experiments each holds",
	}, s.handleDesigns)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "expstore_sources",
		Description: "List registered computational sources and which of them hold measure values in a scope",
	}, s.handleSources)

	sdk.AddTool(s.server, &sdk.Tool{
		Name: "expstore_read",
		Description: "Read experiments of a scope or design as records. Fails with an ambiguity error " +
			"when several sources wrote a requested measure and no source is given",
	}, s.handleRead)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "expstore_stats",
		Description: "Report schema version and row counts of the store",
	}, s.handleStats)

	return nil
}

// registerResources exposes scope definitions as YAML resources.
func (s *Server) registerResources() error {
	s.server.AddResource(&sdk.Resource{
		URI:         scopesURI,
		Name:        "expstore-scopes",
		Description: "Every stored scope definition as a multi-document YAML stream",
		MIMEType:    "application/yaml",
	}, s.handleScopesResource)

	s.server.AddResourceTemplate(&sdk.ResourceTemplate{
		URITemplate: scopeURIPrefix + "{name}",
		Name:        "expstore-scope",
		Description: "One stored scope definition as YAML",
		MIMEType:    "application/yaml",
	}, s.handleScopeResource)

	return nil
}

func (s *Server) handleScopes(ctx context.Context, req *sdk.CallToolRequest, args ScopesInput) (_ *sdk.CallToolResult, _ ScopesOutput, retErr error) {
	start := time.Now()
	defer func() { s.logTool("expstore_scopes", start, retErr, "scope", args.Name) }()

	if err := ratelimit.CheckLimit(s.limiters, "expstore_scopes"); err != nil {
		return nil, ScopesOutput{}, err
	}

	var names []string
	if args.Name != "" {
		names = []string{args.Name}
	} else {
		all, err := s.store.ReadScopeNames(ctx)
		if err != nil {
			return nil, ScopesOutput{}, err
		}
		names = all
	}

	out := ScopesOutput{Scopes: make([]ScopeSummary, 0, len(names))}
	for _, name := range names {
		sum, err := s.scopeSummary(ctx, name)
		if err != nil {
			return nil, ScopesOutput{}, err
		}
		out.Scopes = append(out.Scopes, sum)
	}
	out.Count = len(out.Scopes)
	return nil, out, nil
}

func (s *Server) scopeSummary(ctx context.Context, name string) (ScopeSummary, error) {
	sc, err := s.store.ReadScope(ctx, name)
	if err != nil {
		return ScopeSummary{}, err
	}
	versions, err := s.store.ReadScopeVersions(ctx, sc.Name)
	if err != nil {
		return ScopeSummary{}, err
	}
	def, err := scope.Marshal(sc)
	if err != nil {
		return ScopeSummary{}, fmt.Errorf("failed to encode scope %s: %w", sc.Name, err)
	}
	sum := ScopeSummary{
		Name:       sc.Name,
		Desc:       sc.Desc,
		Inputs:     sc.InputNames(),
		Measures:   sc.MeasureNames(),
		Definition: string(def),
	}
	if n := len(versions); n > 0 {
		sum.Version = versions[n-1].Version
	}
	return sum, nil
}

func (s *Server) handleDesigns(ctx context.Context, req *sdk.CallToolRequest, args DesignsInput) (_ *sdk.CallToolResult, _ DesignsOutput, retErr error) {
	start := time.Now()
	defer func() { s.logTool("expstore_designs", start, retErr, "scope", args.Scope) }()

	if err := ratelimit.CheckLimit(s.limiters, "expstore_designs"); err != nil {
		return nil, DesignsOutput{}, err
	}

	sc, err := s.store.ReadScope(ctx, args.Scope)
	if err != nil {
		return nil, DesignsOutput{}, err
	}
	names, err := s.store.ReadDesignNames(ctx, sc.Name)
	if err != nil {
		return nil, DesignsOutput{}, err
	}

	out := DesignsOutput{Scope: sc.Name, Designs: make([]DesignSummary, 0, len(names))}
	for _, name := range names {
		ids, err := s.store.ReadDesignExperimentIDs(ctx, sc.Name, name)
		if err != nil {
			return nil, DesignsOutput{}, err
		}
		out.Designs = append(out.Designs, DesignSummary{Name: name, Experiments: len(ids)})
	}
	out.Count = len(out.Designs)
	return nil, out, nil
}

func (s *Server) handleSources(ctx context.Context, req *sdk.CallToolRequest, args SourcesInput) (_ *sdk.CallToolResult, _ SourcesOutput, retErr error) {
	start := time.Now()
	defer func() { s.logTool("expstore_sources", start, retErr, "scope", args.Scope, "design", args.Design) }()

	if err := ratelimit.CheckLimit(s.limiters, "expstore_sources"); err != nil {
		return nil, SourcesOutput{}, err
	}

	registered, err := s.store.ReadSources(ctx)
	if err != nil {
		return nil, SourcesOutput{}, err
	}
	out := SourcesOutput{Registered: registered, WithValues: []int64{}}
	if out.Registered == nil {
		out.Registered = []store.Source{}
	}
	if args.Scope == "" && args.Design == "" {
		return nil, out, nil
	}

	ids, err := s.store.ReadMeasureSources(ctx, args.Scope, args.Design)
	if err != nil {
		return nil, SourcesOutput{}, err
	}
	if ids != nil {
		out.WithValues = ids
	}
	return nil, out, nil
}

func (s *Server) handleRead(ctx context.Context, req *sdk.CallToolRequest, args ReadInput) (_ *sdk.CallToolResult, _ ReadOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.logTool("expstore_read", start, retErr, "scope", args.Scope, "design", args.Design, "columns", args.Columns)
	}()

	if err := ratelimit.CheckLimit(s.limiters, "expstore_read"); err != nil {
		return nil, ReadOutput{}, err
	}

	runs, err := store.ParseRunsMode(args.Runs)
	if err != nil {
		return nil, ReadOutput{}, err
	}
	q := store.Query{
		Design:        args.Design,
		ExperimentIDs: args.ExperimentIDs,
		Measures:      args.Measures,
		Source:        args.Source,
		Runs:          runs,
		OnlyPending:   args.OnlyPending,
	}

	var frame *store.Frame
	switch strings.ToLower(strings.TrimSpace(args.Columns)) {
	case "", "all":
		frame, err = s.store.ReadAll(ctx, args.Scope, q)
	case "parameters", "params", "inputs":
		frame, err = s.store.ReadParameters(ctx, args.Scope, q)
	case "measures":
		frame, err = s.store.ReadMeasures(ctx, args.Scope, q)
	default:
		return nil, ReadOutput{}, fmt.Errorf("unknown columns %q (want all, parameters or measures)", args.Columns)
	}
	if err != nil {
		return nil, ReadOutput{}, err
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	records := frame.Records()
	out := ReadOutput{
		Scope:   frame.Scope,
		Design:  frame.Design,
		Columns: frame.Columns,
		Total:   len(records),
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if len(records) > limit {
		records = records[:limit]
		out.Truncated = true
	}
	out.Records = records
	out.Count = len(records)
	return nil, out, nil
}

func (s *Server) handleStats(ctx context.Context, req *sdk.CallToolRequest, args StatsInput) (_ *sdk.CallToolResult, _ StatsOutput, retErr error) {
	start := time.Now()
	defer func() { s.logTool("expstore_stats", start, retErr) }()

	if err := ratelimit.CheckLimit(s.limiters, "expstore_stats"); err != nil {
		return nil, StatsOutput{}, err
	}

	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, StatsOutput{}, err
	}
	return nil, StatsOutput{Path: s.store.Path(), Stats: st}, nil
}

func (s *Server) handleScopesResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	names, err := s.store.ReadScopeNames(ctx)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for i, name := range names {
		sc, err := s.store.ReadScope(ctx, name)
		if err != nil {
			return nil, err
		}
		def, err := scope.Marshal(sc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode scope %s: %w", name, err)
		}
		if i > 0 {
			b.WriteString("---\n")
		}
		b.Write(def)
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{URI: scopesURI, MIMEType: "application/yaml", Text: b.String()},
		},
	}, nil
}

func (s *Server) handleScopeResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	name := strings.TrimPrefix(uri, scopeURIPrefix)
	if name == uri || name == "" {
		return nil, sdk.ResourceNotFoundError(uri)
	}

	sc, err := s.store.ReadScope(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrScopeNotFound) {
			return nil, sdk.ResourceNotFoundError(uri)
		}
		return nil, err
	}
	def, err := scope.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scope %s: %w", name, err)
	}

	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{URI: uri, MIMEType: "application/yaml", Text: string(def)},
		},
	}, nil
}
