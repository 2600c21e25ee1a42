package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/domain"
	"agentboard/internal/engine"
	"agentboard/internal/log"
	"agentboard/internal/migrate"
	"agentboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ab",
	Short: "Agentboard CLI",
	Long: `Agentboard is a shared task board for a human owner and autonomous agents.
Cards move across Backlog, To Do, Agent Inbox, Ongoing, Review, and Done.
Agents claim unassigned cards (first claim wins) and only a card's owner can
move it forward; finishing work (Done) is reserved for the founder. Every
mutation and every denied attempt is recorded in the activity ledger.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "owner", "acting identity")
	rootCmd.PersistentFlags().String("agent-role", domain.RoleFounder, "acting role (member, agent, founder)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
	_ = viper.BindPFlag("agent-role", rootCmd.PersistentFlags().Lookup("agent-role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorFromFlags() (domain.Actor, error) {
	role := viper.GetString("agent-role")
	if !domain.ValidRole(role) {
		return domain.Actor{}, fmt.Errorf("invalid role %q", role)
	}
	id := strings.TrimSpace(viper.GetString("agent-id"))
	if id == "" {
		return domain.Actor{}, errors.New("agent-id is required")
	}
	return domain.Actor{AgentID: id, AgentRole: role}, nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agentboard.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the board grouped by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Repo.ListCards(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				byStatus := map[string][]domain.Card{}
				for _, c := range cards {
					byStatus[c.Status] = append(byStatus[c.Status], c)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "ID", "Title", "Owner", "Priority", "Due"})
				for _, status := range domain.Statuses {
					for _, c := range byStatus[status] {
						tw.AppendRow(table.Row{status, c.ID, c.Title, strOrDash(c.OwnerAgent), c.Priority, strOrDash(c.DueDate)})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage cards",
	}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardClaimCmd())
	card.AddCommand(cardMoveCmd())
	card.AddCommand(cardUpdateCmd())
	card.AddCommand(cardDeleteCmd())
	card.AddCommand(cardCommentCmd())
	card.AddCommand(cardCommentsCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var title, description, status, priority, dueDate, branch, repoName, owner string
	var unassigned bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			opts := engine.CardCreateOptions{
				Title:       title,
				Description: description,
				Status:      status,
				Priority:    priority,
				DueDate:     optionalString(dueDate),
				Branch:      optionalString(branch),
				Repo:        optionalString(repoName),
			}
			if unassigned {
				opts.OwnerProvided = true
			} else if cmd.Flags().Changed("owner") {
				opts.OwnerProvided = true
				opts.OwnerAgent = optionalString(owner)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCard(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "initial status (defaults by role)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (High, Medium, Low)")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&branch, "branch", "", "git branch")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository")
	cmd.Flags().StringVar(&owner, "owner", "", "owner agent id")
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "create with no owner")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Repo.ListCards(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Priority"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, strOrDash(c.OwnerAgent), c.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func cardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cardClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an unassigned card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Claim(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cardMoveCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a card to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, args[0], status, actor)
				if err != nil {
					return err
				}
				if res.NoOp {
					fmt.Printf("%s already in %s\n", res.Card.ID, res.ToStatus)
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func cardUpdateCmd() *cobra.Command {
	var title, description, priority, status, assignee, owner, dueDate, branch, repoName string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update card fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			opts := engine.CardUpdateOptions{ID: args[0], Status: status}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("assignee") {
				opts.AssigneeProvided = true
				opts.Assignee = optionalString(assignee)
			}
			if cmd.Flags().Changed("owner") {
				opts.OwnerProvided = true
				opts.OwnerAgent = optionalString(owner)
			}
			if cmd.Flags().Changed("due") {
				opts.DueDateProvided = true
				opts.DueDate = optionalString(dueDate)
			}
			if cmd.Flags().Changed("branch") {
				opts.BranchProvided = true
				opts.Branch = optionalString(branch)
			}
			if cmd.Flags().Changed("repo") {
				opts.RepoProvided = true
				opts.Repo = optionalString(repoName)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCard(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee (empty clears)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner agent (empty clears)")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (empty clears)")
	cmd.Flags().StringVar(&branch, "branch", "", "git branch (empty clears)")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository (empty clears)")
	return cmd
}

func cardDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			if actor.AgentRole != domain.RoleFounder {
				return errors.New("delete requires the founder role")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCard(ctx, args[0], actor)
			})
		},
	}
	return cmd
}

func cardCommentCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add a comment to a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddComment(ctx, args[0], content, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&content, "message", "", "comment text")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func cardCommentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments <id>",
		Short: "List a card's comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListComments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Activity ledger",
	}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logDeniedCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Recent activity, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivity(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func logDeniedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "denied",
		Short: "Denied operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeniedActivity(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Card counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountCardsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				for _, s := range domain.Statuses {
					fmt.Printf("%-12s %d\n", s, counts[s])
				}
				return nil
			})
		},
	}
	return cmd
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "List overdue cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Reminders(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var listen, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.GetLogger()
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if listen == "" {
				listen = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					OwnerPassword: cfg.Auth.OwnerPassword,
					AgentAPIKey:   cfg.Auth.AgentAPIKey,
					SessionSecret: cfg.Auth.SessionSecret,
					SessionTTL:    time.Duration(cfg.Auth.SessionTTLMinutes) * time.Minute,
					Logger:        logger,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.WithField("listen", listen).Info("serving board API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
