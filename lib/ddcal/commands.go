// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"

	"github.com/skycal-project/skycal/lib/command"
)

// dp3 returns a per-dataset DP3 spec reading ${MS} with a parset.
func (c *Controller) dp3(name, parset string) *command.Spec {
	return command.New(name, command.KindDP3, c.config.Tools.DP3).
		Arg(c.layout.Parset(parset)).
		Set("msin", "${MS}").
		ForEachDataset()
}

func (c *Controller) python(name, program string) *command.Spec {
	return command.New(name, command.KindPython, program)
}

// taql returns a per-dataset table query. The expression may
// reference ${MS}.
func (c *Controller) taql(name, expression string) *command.Spec {
	return command.New(name, command.KindGeneral, c.config.Tools.TaQL).
		Arg(expression).
		ForEachDataset()
}

// makeSourceDB converts a makesourcedb text model into the binary form
// the predict step reads. The tool refuses to overwrite, so a stale
// output is removed first.
func (c *Controller) makeSourceDB(ctx context.Context, name, model, output string) error {
	if err := c.removeFile(output); err != nil {
		return err
	}
	spec := command.New(name, command.KindGeneral, c.config.Tools.MakeSourceDB).
		Arg("outtype=blob", "format=<", "in="+model, "out="+output)
	return c.runner.Run(ctx, spec, nil)
}
