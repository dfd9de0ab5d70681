// Package concurrency runs a set of coding agents against one issue.
//
// LifecycleManager owns the state of every registered agent and admits at
// most MaxConcurrent of them at a time:
//
//	mgr := NewLifecycleManager(runner, DefaultLifecycleOptions())
//	mgr.RegisterAgent(a, worktree, 0)
//	mgr.StartAgent(a.Name(), issue, Callbacks{})
//	mgr.WaitForCompletion(ctx, 0)
//	mgr.ShutdownAll(false)
//
// Executor sits on top: it provisions worktrees, feeds agents to the
// manager as slots free up and aggregates the outcome:
//
//	exec, _ := NewExecutor(repoPath, ExecutorOptions{MaxConcurrent: 2})
//	defer exec.Close()
//	result, err := exec.ExecuteAgents(ctx, agents, issue, ExecuteOptions{})
package concurrency
