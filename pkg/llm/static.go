package llm

import (
	"context"
	"sync"
)

// StaticGenerator replays scripted generations in order and then repeats the
// last one. It backs local development and tests.
type StaticGenerator struct {
	mu      sync.Mutex
	replies []StaticReply
	calls   int
	prompts []string
}

// StaticReply is one scripted answer or failure.
type StaticReply struct {
	Generation *Generation
	Err        error
}

var _ Generator = (*StaticGenerator)(nil)

// NewStaticGenerator creates a generator that replays replies. With no replies
// it echoes an empty narrative.
func NewStaticGenerator(replies ...StaticReply) *StaticGenerator {
	return &StaticGenerator{replies: replies}
}

func (g *StaticGenerator) Generate(ctx context.Context, prompt string, gc GenerationContext) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, buildPrompt(prompt, gc))

	if len(g.replies) == 0 {
		return &Generation{}, nil
	}
	i := g.calls - 1
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	r := g.replies[i]
	if r.Err != nil {
		return nil, r.Err
	}
	out := *r.Generation
	return &out, nil
}

// Calls returns how many times Generate ran.
func (g *StaticGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Prompts returns the rendered prompts seen so far.
func (g *StaticGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}
