// Package agent defines the contract cocode expects from a coding agent CLI
// and the built-in agents that implement it.
//
// An agent runs inside its own git worktree, reads the issue from the
// environment prepared by the runner, and signals completion by committing
// with the ready marker in the message.
package agent
