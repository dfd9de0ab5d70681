// Package config loads cocode settings and persists run state.
//
// Settings live in ~/.cocode/config.json and may be overridden per repository
// by <repo>/.cocode/config.json. Loading never fails: unreadable or invalid
// files fall back to DefaultConfig and the problem is logged. Run state is
// written to <repo>/.cocode/state.json so `cocode status` can report on the
// most recent run.
package config
