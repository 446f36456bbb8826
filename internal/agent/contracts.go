package agent

import (
	"context"
	"fmt"

	"petavatar/internal/model"
)

// Generator is the interface the orchestration worker depends on. One
// call covers the whole agent workflow: analyze the pet image, map its
// personality to a career, synthesize the avatar, and assemble the
// identity package.
type Generator interface {
	AnalyzeAndGenerate(ctx context.Context, objectRef string) (*model.Generation, error)
}

// ContentError marks input the agent can never process (unsupported or
// corrupt image content). It is not retryable; any other error from a
// Generator is treated as transient.
type ContentError struct {
	Detail string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("unsupported content: %s", e.Detail)
}
