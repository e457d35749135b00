package build

import "context"

// Request is what the scheduler hands a step for one cycle.
type Request struct {
	// Cycle is the sequence number of the cycle the step runs in.
	Cycle uint64
	// Staging is a directory private to this step and cycle. Anything a step
	// leaves there is discarded once the cycle is decided.
	Staging string
}

// Artifact is one file a step produced. Source is an absolute path the output
// store reads from; Dest is the slash separated path relative to the output root.
type Artifact struct {
	Source string
	Dest   string
}

// Output is the result of a successful step run.
type Output struct {
	Kind      StepKind
	Artifacts []Artifact
	// MirrorRoot, when set, marks Artifacts as the complete content of that
	// output subtree. Files under it that are not listed are removed.
	MirrorRoot string
}

// Step is one build unit scheduled by a cycle. Run must not touch the output
// tree; it only produces artifacts for the output store to promote.
type Step interface {
	Kind() StepKind
	Run(ctx context.Context, req Request) (Output, error)
}

// NewFuncStep adapts a function to the Step interface.
func NewFuncStep(kind StepKind, fn func(ctx context.Context, req Request) (Output, error)) Step {
	return funcStep{kind: kind, fn: fn}
}

type funcStep struct {
	kind StepKind
	fn   func(ctx context.Context, req Request) (Output, error)
}

func (f funcStep) Kind() StepKind { return f.kind }

func (f funcStep) Run(ctx context.Context, req Request) (Output, error) {
	out, err := f.fn(ctx, req)
	out.Kind = f.kind
	return out, err
}
