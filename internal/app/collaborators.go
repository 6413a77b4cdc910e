package app

import (
	"context"
	"os"
	"time"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

// Inert collaborator defaults. They keep the binary runnable without a
// target-specific collector attached: steps seed nothing, fetches succeed
// with empty bodies, and the process manager records the orchestrator's own
// pid so resource tracking stays exercised.

type noopResolver struct{}

func (noopResolver) Resolve(context.Context, string, core.Step) ([]core.Target, error) {
	return nil, nil
}

type noopFetcher struct{}

func (noopFetcher) Fetch(context.Context, core.ProxyEndpoint, core.WorkItem) (core.FetchResult, error) {
	return core.FetchResult{StatusCode: 200, Duration: time.Millisecond}, nil
}

type noopProcessManager struct{}

func (noopProcessManager) Spawn(context.Context, string, int) (int, int, error) {
	pid := os.Getpid()
	return pid, os.Getppid(), nil
}

func (noopProcessManager) Kill(context.Context, int) error {
	return nil
}
