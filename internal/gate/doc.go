// Package gate decides whether an agent may proceed.
//
// Each agent carries three independent facets: halted, errored and blocked.
// The reported status takes the most severe facet that is set:
//
//	halted > error > blocked > open
//
// A global halt dominates every per-agent state but never modifies it, so
// resuming globally restores each agent exactly as it was.
//
// A block is a set of question ids. The gate listens for agent.unblocked and
// question.cancelled events and opens, publishing gate.opened, only when the
// set becomes empty. Sweep flags blocks older than MaxBlockDuration once per
// block episode and optionally halts the agent.
package gate
