package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/cmd"
	"github.com/dvelop42/cocode/concurrency"
	"github.com/dvelop42/cocode/config"
	"github.com/dvelop42/cocode/github"
	"github.com/dvelop42/cocode/log"
	"github.com/dvelop42/cocode/session/git"
	"github.com/dvelop42/cocode/ui"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version = "0.1.0"

	agentFlags        []string
	bodyFileFlag      string
	urlFlag           string
	repoFlag          string
	maxConcurrentFlag int
	timeoutFlag       int
	keepWorktreesFlag bool
	dryRunFlag        bool
	verboseFlag       bool
	jsonFlag          bool
	yamlFlag          bool

	rootCmd = &cobra.Command{
		Use:           "cocode",
		Short:         "cocode - run several coding agents against one GitHub issue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run <issue-number>",
		Short: "Run agents in parallel worktrees until each is ready or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			number, err := strconv.Atoi(args[0])
			if err != nil || number <= 0 || number > concurrency.MaxIssueNumber {
				return withExitCode(agent.ExitInvalidConfig, fmt.Errorf("invalid issue number %q", args[0]))
			}

			repo, err := repoRoot()
			if err != nil {
				return withExitCode(agent.ExitInvalidConfig, err)
			}

			cfg := config.LoadRepoConfig(repo)
			if c.Flags().Changed("max-concurrent") {
				cfg.MaxConcurrentAgents = maxConcurrentFlag
			}
			if c.Flags().Changed("timeout") {
				cfg.AgentTimeoutSeconds = timeoutFlag
			}
			if keepWorktreesFlag {
				cfg.KeepWorktrees = true
			}
			if err := cfg.Validate(); err != nil {
				return withExitCode(agent.ExitInvalidConfig, err)
			}

			names := agentFlags
			if len(names) == 0 {
				names = cfg.DefaultAgents
			}
			agents, err := agent.NewFactory(cfg).CreateAll(names, !dryRunFlag)
			if err != nil {
				if errors.Is(err, agent.ErrMissingDependency) {
					return withExitCode(agent.ExitMissingDeps, err)
				}
				return withExitCode(agent.ExitInvalidConfig, err)
			}

			issue, err := loadIssue(c.Context(), repo, number)
			if err != nil {
				return withExitCode(agent.ExitGeneralError, err)
			}

			printer := ui.NewPrinter(os.Stdout, ui.ShouldColor(os.Stdout))
			printer.Header(number, issue.URL, names)
			if dryRunFlag {
				fmt.Printf("dry run: %d agent(s), max %d concurrent, %ds timeout\n",
					len(agents), cfg.MaxConcurrentAgents, cfg.AgentTimeoutSeconds)
				return nil
			}

			return runAgents(c.Context(), repo, cfg, agents, issue, printer)
		},
	}

	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove all cocode worktrees and forget the last run",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			repo, err := repoRoot()
			if err != nil {
				return err
			}
			wm, err := git.NewWorktreeManager(repo)
			if err != nil {
				return fmt.Errorf("failed to open repository: %w", err)
			}
			removed := wm.CleanupWorktrees(c.Context())
			fmt.Printf("removed %d worktree(s)\n", removed)

			if err := config.NewStateManager(config.DefaultStatePath(repo)).Clear(); err != nil {
				return err
			}
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List cocode worktrees",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			repo, err := repoRoot()
			if err != nil {
				return err
			}
			wm, err := git.NewWorktreeManager(repo)
			if err != nil {
				return fmt.Errorf("failed to open repository: %w", err)
			}
			paths, err := wm.ListWorktrees(c.Context())
			if err != nil {
				return err
			}
			var trees []*git.Worktree
			for _, p := range paths {
				info, err := wm.WorktreeInfo(c.Context(), p)
				if err != nil {
					log.WarningLog.Printf("skipping %s: %v", p, err)
					continue
				}
				trees = append(trees, info)
			}
			if jsonFlag || yamlFlag {
				return printStructured(trees)
			}
			ui.NewPrinter(os.Stdout, ui.ShouldColor(os.Stdout)).Worktrees(trees)
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded run",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			repo, err := repoRoot()
			if err != nil {
				return err
			}
			state := config.NewStateManager(config.DefaultStatePath(repo))
			run, err := state.Load()
			if err != nil {
				return err
			}
			if jsonFlag || yamlFlag {
				return printStructured(struct {
					Summary config.RunSummary `json:"summary" yaml:"summary"`
					Run     *config.RunState  `json:"run" yaml:"run"`
				}{state.Summary(), run})
			}
			ui.NewPrinter(os.Stdout, ui.ShouldColor(os.Stdout)).Run(run, state.Summary())
			return nil
		},
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Check required tools and which agents can run",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			cfg := config.LoadConfig()
			if repo, err := repoRoot(); err == nil {
				cfg = config.LoadRepoConfig(repo)
			}

			deps := agent.NewDependencyChecker(cmd.MakeExecutor()).CheckAll(c.Context())
			avail := agent.NewFactory(cfg).Available()
			if jsonFlag || yamlFlag {
				return printStructured(struct {
					Dependencies []agent.Dependency   `json:"dependencies" yaml:"dependencies"`
					Agents       []agent.Availability `json:"agents" yaml:"agents"`
				}{deps, avail})
			}

			p := ui.NewPrinter(os.Stdout, ui.ShouldColor(os.Stdout))
			p.Dependencies(deps)
			fmt.Println()
			p.Agents(avail)

			if missing := agent.MissingRequired(deps); len(missing) > 0 {
				return withExitCode(agent.ExitMissingDeps, fmt.Errorf("missing required tools: %s", strings.Join(missing, ", ")))
			}
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(c *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")

			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJson)
			if repo, err := repoRoot(); err == nil {
				fmt.Printf("Repository: %s\nState: %s\n", repo, config.DefaultStatePath(repo))
			}
			fmt.Printf("Agents on PATH: %s\n", strings.Join(agent.ListAvailable(), ", "))
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of cocode",
		Run: func(c *cobra.Command, args []string) {
			fmt.Printf("cocode version %s\n", version)
			fmt.Printf("https://github.com/dvelop42/cocode/releases/tag/v%s\n", version)
		},
	}
)

// runAgents executes one run and records it in the repository state file.
func runAgents(ctx context.Context, repo string, cfg *config.Config, agents []agent.Agent, issue github.Issue, printer *ui.Printer) error {
	wm, err := git.NewWorktreeManager(repo, git.WithBaseBranch(cfg.BaseBranch))
	if err != nil {
		return withExitCode(agent.ExitGeneralError, fmt.Errorf("failed to open repository: %w", err))
	}

	opts := concurrency.OptionsFromConfig(cfg)
	opts.Workspaces = wm
	executor, err := concurrency.NewExecutor(repo, opts)
	if err != nil {
		return withExitCode(agent.ExitInvalidConfig, err)
	}
	defer executor.Close()

	ctx, stopSignals := concurrency.HandleSignals(ctx, executor.Lifecycle())
	defer stopSignals()

	state := config.NewStateManager(config.DefaultStatePath(repo))
	if state.CanRecover() {
		log.WarningLog.Printf("previous run was not completed, aborting it")
		if err := state.AbortRun(); err != nil {
			log.ErrorLog.Printf("failed to abort previous run: %v", err)
		}
	}
	if _, err := state.StartRun(issue.Number, issue.URL, cfg.BaseBranch); err != nil {
		log.ErrorLog.Printf("failed to record run: %v", err)
	}
	for _, a := range agents {
		path, _ := wm.WorktreePath(a.Name())
		if err := state.AddAgent(a.Name(), git.BranchName(issue.Number, a.Name()), path); err != nil {
			log.ErrorLog.Printf("failed to record agent %s: %v", a.Name(), err)
		}
	}

	eo := concurrency.ExecuteOptions{
		OnProgress: func(name, label string) {
			printer.Progress(name, label)
			if label == concurrency.ProgressStarting {
				recordAgent(state, name, config.AgentUpdate{Status: config.AgentRunning})
			}
		},
	}
	if verboseFlag {
		eo.OnOutput = printer.Output
	}

	result, err := executor.ExecuteAgents(ctx, agents, concurrency.IssueContext{
		Number: issue.Number,
		Body:   issue.Text(),
		URL:    issue.URL,
	}, eo)
	if err != nil {
		_ = state.AbortRun()
		return withExitCode(agent.ExitGeneralError, err)
	}

	for name, st := range result.AgentResults {
		recordAgent(state, name, config.AgentUpdate{
			Status:       persistedStatus(st),
			ExitCode:     st.ExitCode,
			LastCommit:   st.LastCommit,
			ErrorMessage: result.Errors[name],
		})
	}
	if err := state.CompleteRun(""); err != nil {
		log.ErrorLog.Printf("failed to complete run: %v", err)
	}
	printer.Summary(result)

	// agents left running past the safety deadline still own their worktrees
	executor.Close()
	if !cfg.KeepWorktrees && len(result.FailedAgents) > 0 {
		removed := executor.CleanupWorktrees(context.Background(), result.FailedAgents)
		log.InfoLog.Printf("removed %d worktree(s) of failed agents", removed)
	}

	if ctx.Err() != nil {
		return withExitCode(agent.ExitInterrupted, errors.New("run interrupted"))
	}
	if len(result.SuccessfulAgents) == 0 {
		return withExitCode(agent.ExitGeneralError, errors.New("no agent succeeded"))
	}
	return nil
}

func recordAgent(state *config.StateManager, name string, update config.AgentUpdate) {
	if err := state.UpdateAgent(name, update); err != nil {
		log.ErrorLog.Printf("failed to update state for %s: %v", name, err)
	}
}

func persistedStatus(st agent.Status) config.AgentStatus {
	switch {
	case st.Ready:
		return config.AgentReady
	case st.ExitCode != nil && *st.ExitCode == int(agent.ExitInterrupted):
		return config.AgentCancelled
	case st.Succeeded():
		return config.AgentCompleted
	default:
		return config.AgentFailed
	}
}

// loadIssue reads the issue body from --body-file when given, otherwise
// from GitHub through gh.
func loadIssue(ctx context.Context, repo string, number int) (github.Issue, error) {
	if bodyFileFlag != "" {
		data, err := os.ReadFile(bodyFileFlag)
		if err != nil {
			return github.Issue{}, fmt.Errorf("failed to read issue body: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return github.Issue{}, fmt.Errorf("%s: %w", bodyFileFlag, github.ErrEmptyBody)
		}
		url := urlFlag
		if url == "" {
			url = github.URLFor(repoFlag, number)
		}
		return github.Issue{Number: number, Body: string(data), URL: url}, nil
	}

	issue, err := github.NewClient(cmd.MakeExecutor(), repoFlag, repo).FetchIssue(ctx, number)
	if err != nil {
		return github.Issue{}, err
	}
	if urlFlag != "" {
		issue.URL = urlFlag
	}
	if issue.URL == "" {
		issue.URL = github.URLFor(repoFlag, number)
	}
	return issue, nil
}

func repoRoot() (string, error) {
	currentDir, err := filepath.Abs(".")
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := git.FindGitRepoRoot(currentDir)
	if err != nil {
		return "", fmt.Errorf("error: cocode must be run from within a git repository")
	}
	return root, nil
}

func printStructured(v any) error {
	if yamlFlag {
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type exitCodeError struct {
	code agent.ExitCode
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code agent.ExitCode, err error) error {
	return &exitCodeError{code: code, err: err}
}

func init() {
	runCmd.Flags().StringArrayVarP(&agentFlags, "agent", "a", nil,
		"Agent to run (repeatable). Defaults to default_agents from the config")
	runCmd.Flags().StringVar(&bodyFileFlag, "body-file", "", "Read the issue body from a file instead of GitHub")
	runCmd.Flags().StringVar(&urlFlag, "url", "", "Issue URL passed to agents")
	runCmd.Flags().IntVar(&maxConcurrentFlag, "max-concurrent", 0, "Maximum number of agents running at once")
	runCmd.Flags().IntVar(&timeoutFlag, "timeout", 0, "Per-agent timeout in seconds")
	runCmd.Flags().BoolVar(&keepWorktreesFlag, "keep-worktrees", false, "Keep worktrees of failed agents")
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Resolve agents and the issue without running anything")
	runCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Stream agent output")
	rootCmd.PersistentFlags().StringVarP(&repoFlag, "repo", "R", "", "GitHub repository as owner/name")

	for _, c := range []*cobra.Command{statusCmd, doctorCmd, listCmd} {
		c.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON")
		c.Flags().BoolVar(&yamlFlag, "yaml", false, "Print YAML")
		c.MarkFlagsMutuallyExclusive("json", "yaml")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(int(ec.code))
		}
		os.Exit(int(agent.ExitGeneralError))
	}
}
