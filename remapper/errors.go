package remapper

import "github.com/pkg/errors"

var (
	// ErrMalformedGraph is returned (wrapped) when the input graph is not well-formed: duplicate node
	// names, dangling or invalid input references, cycles, or fetches that don't resolve.
	// The pass aborts before any rewrite, and the caller should keep the unoptimized graph.
	ErrMalformedGraph = errors.New("malformed graph")

	// ErrInvariantViolation is returned (wrapped) when a planned rewrite would leave the graph
	// inconsistent. It indicates a defect in a pattern, and the input graph is left untouched.
	ErrInvariantViolation = errors.New("rewrite invariant violation")
)

func malformedf(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedGraph, format, args...)
}

func invariantf(format string, args ...any) error {
	return errors.Wrapf(ErrInvariantViolation, format, args...)
}
