package search

import (
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// QueryPlan is what one retrieval pass executes.
type QueryPlan struct {
	Mode       memory.RetrievalMode
	Source     memory.DataSource
	Collection string

	UseVector  bool
	UseLexical bool
	// Fuse is set when both backends run and their lists are merged by RRF.
	Fuse bool
}

// Backends returns how many backend calls the plan makes.
func (p QueryPlan) Backends() int {
	n := 0
	if p.UseVector {
		n++
	}
	if p.UseLexical {
		n++
	}
	return n
}

// Router maps a retrieval mode and data source to a QueryPlan. The data
// source only picks the collection; it never changes how results are fused.
type Router struct{}

// Plan builds the plan for mode over source.
func (Router) Plan(mode memory.RetrievalMode, source memory.DataSource) (QueryPlan, error) {
	switch mode {
	case memory.ModeEmbedding, memory.ModeBM25, memory.ModeRRF:
	default:
		return QueryPlan{}, amerrors.InvalidArgument("unknown retrieval mode %v", mode)
	}
	switch source {
	case memory.SourceMemCell, memory.SourceEventLog:
	default:
		return QueryPlan{}, amerrors.InvalidArgument("unknown data source %v", source)
	}

	return QueryPlan{
		Mode:       mode,
		Source:     source,
		Collection: source.Collection(),
		UseVector:  mode.UsesVector(),
		UseLexical: mode.UsesLexical(),
		Fuse:       mode == memory.ModeRRF,
	}, nil
}
