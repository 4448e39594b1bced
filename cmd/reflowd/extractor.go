package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/reflow/pkg/api"
)

// registerExtractionWorkflows wires the sample recurring extraction topology:
// a root orchestration that runs one extraction cycle as a sub-orchestration,
// waits out the recurrence interval on a durable timer, and continues as new
// with empty input so history never grows across cycles.
func registerExtractionWorkflows(eng api.Engine, logger *zap.Logger, interval time.Duration) error {
	orchestrator := func(ctx api.OrchestrationContext, input any) (any, error) {
		if _, err := ctx.CallSubOrchestration("ExtractOrchestrator", nil).Await(); err != nil {
			// An extraction failure skips this cycle but keeps the loop alive.
			if !ctx.IsReplaying() {
				logger.Warn("extraction cycle failed",
					zap.String("instance_id", ctx.InstanceID()),
					zap.Error(err))
			}
		}

		fireAt := ctx.CurrentTime().Add(interval)
		if _, err := ctx.CreateTimer(fireAt).Await(); err != nil {
			return nil, err
		}

		ctx.ContinueAsNew(nil)
		return nil, nil // unreachable
	}

	extractOrchestrator := func(ctx api.OrchestrationContext, input any) (any, error) {
		bugs := ctx.CallActivity("BugExtractor", input)
		cycles := ctx.CallActivity("CycleExtractor", input)

		if _, err := ctx.WhenAll(bugs, cycles).Await(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	bugExtractor := func(ctx context.Context, input any) (any, error) {
		logger.Info("extracting bugs")
		return nil, nil
	}

	cycleExtractor := func(ctx context.Context, input any) (any, error) {
		logger.Info("extracting cycles")
		return nil, nil
	}

	if err := eng.RegisterOrchestration("Orchestrator", orchestrator); err != nil {
		return err
	}
	if err := eng.RegisterOrchestration("ExtractOrchestrator", extractOrchestrator); err != nil {
		return err
	}
	if err := eng.RegisterActivity("BugExtractor", bugExtractor); err != nil {
		return err
	}
	return eng.RegisterActivity("CycleExtractor", cycleExtractor)
}
