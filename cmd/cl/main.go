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

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/pipeline"
	"caseline/internal/projection"
	"caseline/internal/repo"
	"caseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline runs long-lived records-request cases through a durable pipeline.
- Workspace: your .caseline directory holds the database; config lives in the DB and caseline.yml.
- Case: one records request, from draft to completed, with every status change journaled.
- Run: a single pipeline pass for a case; only one run per case is ever live.
- Proposal: a candidate next action (reply, follow-up, fee negotiation); executed at most once.
- Gate: where the pipeline pauses for a human; resume with 'cl resume --token ...'.
- Follow-ups: scheduled nudges while a case waits in the field ('cl followup run' from cron).
- Event log: diary of everything, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(followupCmd())
	rootCmd.AddCommand(portalCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseViewCmd())
	c.AddCommand(caseCloseCmd("complete", "Complete case", func(ctx context.Context, e engine.Engine, id, note string) error {
		return e.CompleteCase(ctx, id, note, viper.GetString("actor-id"))
	}))
	c.AddCommand(caseCloseCmd("cancel", "Cancel case", func(ctx context.Context, e engine.Engine, id, note string) error {
		return e.CancelCase(ctx, id, note, viper.GetString("actor-id"))
	}))
	c.AddCommand(caseCloseCmd("reopen", "Reopen case", func(ctx context.Context, e engine.Engine, id, note string) error {
		return e.ReopenCase(ctx, id, note, viper.GetString("actor-id"))
	}))
	return c
}

func caseCreateCmd() *cobra.Command {
	var id, name, payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
					ID:          id,
					Name:        name,
					PayloadJSON: payload,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "case name")
	cmd.Flags().StringVar(&payload, "payload", "", "domain payload JSON")
	return cmd
}

func caseListCmd() *cobra.Command {
	var status string
	var needsHuman bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters := repo.CaseFilters{Status: status, Limit: limit}
				if needsHuman {
					t := true
					filters.RequiresHuman = &t
				}
				cases, err := e.Repo.ListCases(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Pause", "Human", "Updated"})
				for _, c := range cases {
					pause := ""
					if c.PauseReason != nil {
						pause = *c.PauseReason
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, pause, c.RequiresHuman, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&needsHuman, "needs-human", false, "only cases waiting on a human")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <case-id>",
		Short: "Canonical case view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				snap, err := e.Repo.LoadSnapshot(ctx, tx, args[0])
				if err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(projection.Compute(snap, nil))
			})
		},
	}
	return cmd
}

func caseCloseCmd(use, short string, fn func(ctx context.Context, e engine.Engine, id, note string) error) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := fn(ctx, e, args[0], note); err != nil {
					return err
				}
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "substatus note")
	return cmd
}

func messageCmd() *cobra.Command {
	m := &cobra.Command{Use: "message", Short: "Case correspondence"}
	m.AddCommand(messageAddCmd())
	m.AddCommand(messageListCmd())
	return m
}

func messageAddCmd() *cobra.Command {
	var caseID, subject, body string
	var noRun bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record inbound message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" || body == "" {
				return fmt.Errorf("--case and --body required")
			}
			return withRunner(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) error {
				actorID := viper.GetString("actor-id")
				msg, err := r.Engine.RecordInboundMessage(ctx, caseID, subject, body, actorID)
				if err != nil {
					return err
				}
				if noRun {
					return printJSONOrTable(msg)
				}
				st, rerr := r.Run(ctx, caseID, domain.TriggerInboundMessage, actorID)
				if rerr != nil && !errors.Is(rerr, pipeline.ErrSuspended) {
					return rerr
				}
				out := map[string]any{"message": msg}
				if st != nil {
					out["run"] = st.Run
				}
				out["suspended"] = errors.Is(rerr, pipeline.ErrSuspended)
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().BoolVar(&noRun, "no-run", false, "record only, do not start a run")
	return cmd
}

func messageListCmd() *cobra.Command {
	var caseID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.Repo.ListMessages(ctx, caseID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runCmd() *cobra.Command {
	r := &cobra.Command{Use: "run", Short: "Pipeline runs"}
	r.AddCommand(runStartCmd())
	r.AddCommand(runListCmd())
	r.AddCommand(runReapCmd())
	return r
}

func runStartCmd() *cobra.Command {
	var caseID, trigger string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withRunner(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) error {
				st, err := r.Run(ctx, caseID, trigger, viper.GetString("actor-id"))
				suspended := errors.Is(err, pipeline.ErrSuspended)
				if err != nil && !suspended {
					return err
				}
				run := st.Run
				if fresh, gerr := r.Engine.Repo.GetRun(ctx, run.ID); gerr == nil {
					run = fresh
				}
				return printJSONOrTable(map[string]any{"run": run, "suspended": suspended})
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&trigger, "trigger", domain.TriggerManual, "run trigger")
	return cmd
}

func runListCmd() *cobra.Command {
	var caseID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, caseID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func runReapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail stale runs (cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reaped, err := e.ReapStaleRuns(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"reaped": len(reaped), "runs": reaped})
			})
		},
	}
	return cmd
}

func resumeCmd() *cobra.Command {
	var token, decision, note string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Settle a gated proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" || decision == "" {
				return fmt.Errorf("--token and --decision required")
			}
			return withRunner(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) error {
				st, err := r.Resume(ctx, token, strings.ToUpper(decision), note, viper.GetString("actor-id"))
				suspended := errors.Is(err, pipeline.ErrSuspended)
				if err != nil && !suspended {
					return err
				}
				out := map[string]any{"decision": strings.ToUpper(decision), "suspended": suspended}
				if st != nil {
					caseID := st.Run.CaseID
					if caseID == "" {
						caseID = st.Case.ID
					}
					out["case_id"] = caseID
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "resume token")
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE, ADJUST, DISMISS, or WITHDRAW")
	cmd.Flags().StringVar(&note, "note", "", "decision note / adjustment guidance")
	return cmd
}

func followupCmd() *cobra.Command {
	f := &cobra.Command{Use: "followup", Short: "Follow-up schedules"}
	f.AddCommand(followupScheduleCmd())
	f.AddCommand(followupRunCmd())
	return f
}

func followupScheduleCmd() *cobra.Command {
	var caseID string
	var intervalDays int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule follow-up for a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.ScheduleFollowUp(ctx, caseID, intervalDays, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().IntVar(&intervalDays, "interval-days", 0, "override configured interval")
	return cmd
}

func followupRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process due follow-ups (cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) error {
				results, err := r.ProcessDueFollowUps(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(results)
			})
		},
	}
	return cmd
}

func portalCmd() *cobra.Command {
	p := &cobra.Command{Use: "portal", Short: "Portal tasks"}
	p.AddCommand(portalListCmd())
	p.AddCommand(portalCancelCmd())
	return p
}

func portalListCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List portal tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListPortalTasks(ctx, caseID)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	return cmd
}

func portalCancelCmd() *cobra.Command {
	var taskID, reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an open portal task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.CancelPortalTask(ctx, taskID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "portal task id")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace config"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default caseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "caseline", "workspace name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config into the workspace DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to caseline.yml")
	return cmd
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "API keys"}
	k.AddCommand(keysCreateCmd())
	k.AddCommand(keysListCmd())
	k.AddCommand(keysRevokeCmd())
	return k
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"key": key, "raw": raw})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, caseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountCasesByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"case_counts": counts})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Cases"})
				for status, n := range counts {
					tw.AppendRow(table.Row{status, n})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r *pipeline.Runner) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("CASELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CASELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   r.Engine,
					Runner:   r,
					BasePath: basePath,
					Auth:     authCfg,
				})
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
				fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRunner(ctx context.Context, fn func(context.Context, *pipeline.Runner) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		runner := &pipeline.Runner{
			Engine:    e,
			Deliverer: pipeline.LogDeliverer{},
			Suspender: pipeline.NopSuspender{},
		}
		return fn(ctx, runner)
	})
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
