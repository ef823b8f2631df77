// Package compute runs the statistical analysis step. The analysis itself is
// an external command; this package writes its request document, runs it and
// collects the artifacts listed in the manifest it leaves behind.
package compute

import (
	"context"
	"strings"

	"github.com/neurostuff/compose-runner/internal/analysis"
)

// Artifact kinds.
const (
	KindStatisticalMap  = "statistical_map"
	KindClusterTable    = "cluster_table"
	KindDiagnosticTable = "diagnostic_table"
)

// Artifact is one file produced by the compute step.
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Result is everything the compute step produced for one job.
type Result struct {
	Maps        []Artifact `json:"maps"`
	Tables      []Artifact `json:"tables"`
	Description string     `json:"description"`
}

// ClusterTables returns the cluster-level tables.
func (r *Result) ClusterTables() []Artifact {
	return r.tablesOfKind(KindClusterTable)
}

// DiagnosticTables returns the tables that are not cluster-level.
func (r *Result) DiagnosticTables() []Artifact {
	return r.tablesOfKind(KindDiagnosticTable)
}

func (r *Result) tablesOfKind(kind string) []Artifact {
	var out []Artifact
	for _, t := range r.Tables {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Artifacts returns maps followed by tables.
func (r *Result) Artifacts() []Artifact {
	out := make([]Artifact, 0, len(r.Maps)+len(r.Tables))
	out = append(out, r.Maps...)
	return append(out, r.Tables...)
}

// TableKind classifies a table by name: names containing "clust" are cluster
// tables, everything else is diagnostic.
func TableKind(name string) string {
	if strings.Contains(strings.ToLower(name), "clust") {
		return KindClusterTable
	}
	return KindDiagnosticTable
}

// Request is the document handed to the compute command.
type Request struct {
	MetaAnalysisID string                     `json:"meta_analysis_id"`
	NCores         int                        `json:"n_cores,omitempty"`
	Analysis       *analysis.ResolvedAnalysis `json:"analysis"`

	// OnOutput, when set, receives each line the workflow prints.
	OnOutput func(string) `json:"-"`
}

// Workflow runs one analysis and returns its artifacts.
type Workflow interface {
	Run(ctx context.Context, req *Request, workDir string) (*Result, error)
}
