package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gamelist1990/GeminiGUI-sub001/internal/agent"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/app"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/logging"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/scanner"
	"github.com/gamelist1990/GeminiGUI-sub001/internal/store"
)

var (
	flagConfig    string
	flagWorkspace string
	flagSession   string
	flagBackend   string
	flagModel     string
	flagMock      bool
)

func main() {
	root := &cobra.Command{
		Use:           "geminigui",
		Short:         "Chat and agent sessions against an AI backend, per workspace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	root.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace root (default: current directory)")
	root.PersistentFlags().StringVarP(&flagSession, "session", "s", "", "session id (default: a new session)")
	root.PersistentFlags().StringVar(&flagBackend, "backend", "", "backend: cli, http or mock")
	root.PersistentFlags().StringVar(&flagModel, "model", "", "model override")
	root.PersistentFlags().BoolVar(&flagMock, "mock", false, "use the scripted mock backend")

	root.AddCommand(chatCmd(), agentCmd(), sessionsCmd(), statsCmd(), filesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type env struct {
	app       *app.Application
	workspace *store.Workspace
	sessionID string
}

func setup(needSession bool) (*env, error) {
	cfg, err := app.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	if flagMock {
		cfg.Backend = app.BackendMock
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = store.DefaultRoot()
	}

	logger := logging.Nop()
	if os.Getenv("GEMINIGUI_DEBUG") != "" {
		logger = logging.New(os.Stderr)
	}

	st := store.New(cfg.DataDir, logger)
	a, err := app.New(cfg, st, logger)
	if err != nil {
		return nil, err
	}

	rootPath := flagWorkspace
	if rootPath == "" {
		if rootPath, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	ws, err := st.OpenWorkspace(rootPath)
	if err != nil {
		return nil, err
	}

	e := &env{app: a, workspace: ws}
	if needSession {
		if flagSession != "" {
			e.sessionID = flagSession
		} else {
			session, err := st.CreateSession(ws.ID)
			if err != nil {
				return nil, err
			}
			e.sessionID = session.ID
		}
	}
	return e, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Send one prompt and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			prompt := strings.Join(args, " ")
			ch, err := e.app.StreamPrompt(ctx, e.workspace.ID, e.sessionID, prompt)
			if err != nil {
				return err
			}
			for chunk := range ch {
				if chunk.Err != nil {
					return chunk.Err
				}
				fmt.Print(chunk.Text)
			}
			fmt.Println()
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent <request>",
		Short: "Plan a request into tasks, execute them, print the summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			run := e.app.NewAgentRun(e.workspace.ID, e.sessionID, strings.Join(args, " "))
			for {
				if task := run.Current(); task != nil {
					fmt.Printf("[%d/%d] %s\n", taskIndex(run.Tasks, task)+1, len(run.Tasks), task.Description)
				}
				done, err := run.Step(ctx)
				if err != nil {
					return err
				}
				if done {
					break
				}
			}
			for _, task := range run.Tasks {
				fmt.Printf("  %-11s %s\n", task.Status, task.Description)
			}
			fmt.Println()
			fmt.Println(run.Summary)
			return nil
		},
	}
}

func taskIndex(tasks []*agent.Task, target *agent.Task) int {
	for i, t := range tasks {
		if t == target {
			return i
		}
	}
	return 0
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the workspace's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			metas, err := e.app.Store().ListSessions(e.workspace.ID)
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, m := range metas {
				fmt.Printf("%s  %-20s  %6d tokens  %s\n",
					m.ID, m.Name, m.TokenUsage, m.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print a session's aggregated usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagSession == "" {
				return fmt.Errorf("--session is required")
			}
			e, err := setup(false)
			if err != nil {
				return err
			}
			agg, err := e.app.SessionStats(e.workspace.ID, flagSession)
			if err != nil {
				return err
			}
			for model, ms := range agg.Models {
				fmt.Printf("%s: %d requests, %d tokens (%d prompt / %d completion)\n",
					model, ms.API.Requests, ms.Tokens.Total, ms.Tokens.Prompt, ms.Tokens.Candidates)
			}
			fmt.Printf("tools: %d calls (%d ok, %d failed)\n",
				agg.Tools.TotalCalls, agg.Tools.TotalSuccess, agg.Tools.TotalFail)
			fmt.Printf("files: +%d/-%d lines\n", agg.Files.LinesAdded, agg.Files.LinesRemoved)
			return nil
		},
	}
}

func filesCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List attachable workspace files",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			items, err := scanner.New().Scan(e.workspace.RootPath)
			if err != nil {
				return err
			}
			for _, it := range scanner.Filter(items, query) {
				if it.IsDir {
					fmt.Printf("@folder:%s\n", it.Path)
					continue
				}
				fmt.Printf("@file:%s\n", it.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "substring filter")
	return cmd
}
