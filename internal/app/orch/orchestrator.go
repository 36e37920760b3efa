// Package orch wires signalling sessions to conferences. The socket dispatcher and
// the admin API both go through it.
package orch

import (
	"context"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

// WorkerStats reports the routing workers, see app.WorkerPool.
type WorkerStats interface {
	Snapshot(ctx context.Context) []app.WorkerInfo
}

type Orchestrator struct {
	Registry *app.Registry
	Workers  WorkerStats
}

func badRequest(err error) error {
	return core.BadRequest(err.Error())
}

func validateJoin(conf, confName, id, name string) error {
	if err := domain.ValidateID(conf); err != nil {
		return badRequest(err)
	}
	if err := domain.ValidateName(confName); err != nil {
		return badRequest(err)
	}
	if err := domain.ValidateID(id); err != nil {
		return badRequest(err)
	}
	if err := domain.ValidateName(name); err != nil {
		return badRequest(err)
	}
	return nil
}
