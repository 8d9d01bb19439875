package roundtrip

import (
	"context"
	"time"

	"github.com/lattice-substrate/rtcheck/rterr"
)

// TestRequest runs the project's check target.
type TestRequest struct {
	ExecWrapper string
	// Timeout defaults to DefaultTestTimeout when zero.
	Timeout time.Duration
}

// Test runs the check target, bounded by req.Timeout.
func Test(ctx context.Context, iv Invoker, req TestRequest) (StageResult, error) {
	argv, wrap := BuildTool(iv.Platform, "check")
	var env map[string]string
	if req.ExecWrapper != "" {
		env = map[string]string{"EXEC": req.ExecWrapper}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	res, err := iv.run(ctx, invocation{argv: argv, env: env, timeout: timeout, wrap: wrap})
	if err != nil {
		return StageResult{}, err
	}
	return stageResult(StageTest, res, rterr.FunctionalTest, rterr.FunctionalTestTimeout), nil
}
