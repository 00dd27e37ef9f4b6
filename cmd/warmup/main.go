package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/bridge"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/catalog"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/config"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/db"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/engine"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/migrate"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/repo"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/scheduler"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Warmup pipeline CLI",
	Long: `Warmup drives imported accounts through a phased humanization pipeline.
Core concepts:
- Workspace: the .warmup directory holding the SQLite database; config lives in warmup.yml next to it.
- Accounts: imported profiles that move imported -> ready_for_bot_assignment -> warmup -> active.
- Phases: discrete behavioral steps (bio, username, posts, stories) completed one at a time per account.
- Pools: shared content and text items tagged by category; phases draw assignments from them.
- Queue: the scheduler picks eligible phases, claims a device slot, and hands them to the bridge executor.
- Reviews: non-retryable failures park the phase until an operator resolves the review entry.
- Event log: diary of changes, view with 'warmup log tail'.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WARMUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("catalog", "", "phase catalog file (defaults to the built-in sequence)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("catalog", rootCmd.PersistentFlags().Lookup("catalog"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "warmup", "project id")
	return cmd
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acc.AddCommand(accountImportCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountContainerCmd())
	acc.AddCommand(accountReadyCmd())
	acc.AddCommand(accountStartCmd())
	acc.AddCommand(accountStatusCmd())
	return acc
}

func accountImportCmd() *cobra.Command {
	var username, modelName string
	var container int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an account into the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var c *int
				if cmd.Flags().Changed("container") {
					c = &container
				}
				a, err := e.ImportAccount(ctx, username, modelName, c, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&modelName, "model", "", "model name the account belongs to")
	cmd.Flags().IntVar(&container, "container", 0, "device container number")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func accountListCmd() *cobra.Command {
	var f repo.AccountFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				accounts, err := r.ListAccounts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Lifecycle", "Container", "Cooldown Until"})
				for _, a := range accounts {
					container := ""
					if a.ContainerNumber != nil {
						container = fmt.Sprintf("%d", *a.ContainerNumber)
					}
					cooldown := ""
					if a.CooldownUntil != nil {
						cooldown = a.CooldownUntil.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{a.ID, a.Username, a.LifecycleState, container, cooldown})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LifecycleState, "lifecycle", "", "lifecycle state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <account-id|username>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAccount(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					a, err = r.GetAccountByUsername(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountContainerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container <account-id> <number>",
		Short: "Assign an automation container to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("container number must be an integer: %w", err)
				}
				if err := e.AssignContainer(ctx, args[0], n, viper.GetString("actor-id")); err != nil {
					return err
				}
				a, err := e.Repo.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready <account-id>",
		Short: "Mark an account ready for bot assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.MarkAccountReady(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				a, err := e.Repo.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <account-id>",
		Short: "Initialize the warmup pipeline for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.StartWarmup(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				s, err := e.WarmupStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func accountStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show warmup progress for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.WarmupStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%s (%s) %.0f%% complete\n", s.Username, s.LifecycleState, s.ProgressPercent)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Order", "Status", "Attempts", "Available At"})
				for _, p := range s.Phases {
					availableAt := ""
					if p.AvailableAt != nil {
						availableAt = p.AvailableAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{p.Phase, p.PhaseOrder, p.Status, p.Attempts, availableAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func poolCmd() *cobra.Command {
	pool := &cobra.Command{Use: "pool", Short: "Manage content and text pools"}
	content := &cobra.Command{Use: "content", Short: "Manage the content pool"}
	content.AddCommand(contentAddCmd())
	content.AddCommand(contentListCmd())
	content.AddCommand(contentRetireCmd())
	text := &cobra.Command{Use: "text", Short: "Manage the text pool"}
	text.AddCommand(textAddCmd())
	text.AddCommand(textListCmd())
	text.AddCommand(textRetireCmd())
	pool.AddCommand(content)
	pool.AddCommand(text)
	return pool
}

func contentAddCmd() *cobra.Command {
	var location string
	var categories []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a content item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AddContent(ctx, location, categories, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "media location (path or URL)")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "category tag (repeatable)")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func contentListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List content items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContentItems(ctx, category)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func contentRetireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire <content-id>",
		Short: "Retire a content item from rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RetireContent(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				item, err := e.Repo.GetContentItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func textAddCmd() *cobra.Command {
	var text, template string
	var categories []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a text item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AddText(ctx, text, categories, template, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text content")
	cmd.Flags().StringVar(&template, "template", "", "template name for derived texts")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "category tag (repeatable)")
	_ = cmd.MarkFlagRequired("text")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func textListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List text items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTextItems(ctx, category)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func textRetireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire <text-id>",
		Short: "Retire a text item from rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RetireText(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				item, err := e.Repo.GetTextItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Run and inspect the warmup queue"}
	q.AddCommand(queueRunCmd())
	q.AddCommand(queueCycleCmd())
	q.AddCommand(queueStatusCmd())
	return q
}

func queueRunCmd() *cobra.Command {
	var botID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := scheduler.New(e, bridge.New(e.Config.Bridge.Command, e.Config.Bridge.Timeout), botID)
				if err := s.EnsureSlots(ctx); err != nil {
					return err
				}
				fmt.Printf("scheduler %s polling every %s\n", botID, e.Config.Queue.PollInterval)
				return s.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&botID, "bot-id", "bot-1", "scheduler instance id")
	return cmd
}

func queueCycleCmd() *cobra.Command {
	var botID string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single scheduler cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := scheduler.New(e, bridge.New(e.Config.Bridge.Command, e.Config.Bridge.Timeout), botID)
				if err := s.EnsureSlots(ctx); err != nil {
					return err
				}
				if err := s.RunCycle(ctx); err != nil {
					return err
				}
				st, err := s.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&botID, "bot-id", "bot-1", "scheduler instance id")
	return cmd
}

func queueStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and slot occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := scheduler.New(e, nil, "")
				st, err := s.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Manage review escalations"}
	rev.AddCommand(reviewListCmd())
	rev.AddCommand(reviewClaimCmd())
	rev.AddCommand(reviewReleaseCmd())
	rev.AddCommand(reviewResolveCmd())
	return rev
}

func reviewListCmd() *cobra.Command {
	var f repo.ReviewFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListReviews(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Phase", "Failure", "Status", "Assigned To"})
				for _, it := range items {
					assigned := ""
					if it.AssignedTo != nil {
						assigned = *it.AssignedTo
					}
					tw.AppendRow(table.Row{it.ID, it.AccountID, it.Phase, it.FailureType, it.Status, assigned})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AccountID, "account", "", "account filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func reviewClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <review-id>",
		Short: "Claim a review entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ClaimReview(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				r, err := e.Repo.GetReview(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func reviewReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <review-id>",
		Short: "Release a claimed review entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ReleaseReview(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				r, err := e.Repo.GetReview(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func reviewResolveCmd() *cobra.Command {
	var method, notes string
	cmd := &cobra.Command{
		Use:   "resolve <review-id>",
		Short: "Resolve a review entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ResolveReview(ctx, args[0], domain.ResolutionMethod(method), notes, viper.GetString("actor-id")); err != nil {
					return err
				}
				r, err := e.Repo.GetReview(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "resolution method (retry, manual_completion, skip_phase, reset_account, change_content, escalate_support, other)")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("WARMUP_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("WARMUP_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving warmup API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("warmup")
	}
	e := engine.New(conn, cfg)
	if path := viper.GetString("catalog"); path != "" {
		cat, err := catalog.FromFile(path)
		if err != nil {
			return err
		}
		e.Catalog = cat
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
