// Package cmd wraps os/exec behind the Executor interface so git, gh and
// dependency checks can be replaced with fakes in tests.
package cmd
