// Copyright 2024 FleetFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent defines the contract between the orchestration runtime and the
agents it drives.

# Overview

An agent is opaque to the runtime: whatever model loop, tool calls or prompts
sit behind it are hidden behind a single Capability:

	type Capability interface {
	    Execute(ctx context.Context, task *types.Task) (*types.AgentResult, error)
	}

Fleet members and workflow agent steps refer to capabilities by name. The
host binds those names in a Registry that is constructed explicitly and passed
down; there is no process-wide registry.

# Invocation

Invoke wraps a single call: it measures latency, recovers panics, attributes
the result to the calling member and tier, and maps context errors onto the
TIMEOUT and CANCELLED codes so that callers can treat every failure as a
failed vote.
*/
package agent
