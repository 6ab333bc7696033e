package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// CmdResolver invokes the external resolver command and decodes the JSON
// plan it writes to stdout. The resolver's stderr passes through so its
// problem reports reach the user directly.
type CmdResolver struct {
	Argv []string
	Env  []string
}

// NewCmdResolver builds a CmdResolver around the given command line.
func NewCmdResolver(argv []string, env []string) *CmdResolver {
	return &CmdResolver{Argv: argv, Env: env}
}

// Resolve runs the resolver for the requested atoms and returns its plan.
func (r *CmdResolver) Resolve(ctx context.Context, atoms []string) (*Plan, error) {
	if len(r.Argv) == 0 {
		return nil, fmt.Errorf("no resolver command configured")
	}

	args := append(append([]string{}, r.Argv[1:]...), atoms...)
	cmd := exec.CommandContext(ctx, r.Argv[0], args...)
	cmd.Stderr = os.Stderr
	if r.Env != nil {
		cmd.Env = r.Env
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("resolver %s: %w", r.Argv[0], err)
	}

	var plan Plan
	if err := json.Unmarshal(out.Bytes(), &plan); err != nil {
		return nil, fmt.Errorf("decode resolver output: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}
