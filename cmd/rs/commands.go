package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redstone/internal/app"
	"redstone/internal/config"
	"redstone/internal/domain"
	"redstone/internal/engine"
	"redstone/internal/logging"
	"redstone/internal/migrate"
	"redstone/internal/server"
	"redstone/internal/sqlite"
	"redstone/internal/transfer"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage redstone.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default redstone.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			c.Server.JWTSecret = redact(c.Server.JWTSecret)
			return printJSON(c)
		},
	})
	return cfg
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func dbCmd() *cobra.Command {
	db := &cobra.Command{Use: "db", Short: "Database maintenance"}
	db.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the sqlite store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != config.BackendSQLite {
				fmt.Println("document backend has no schema to migrate")
				return nil
			}
			s, err := sqlite.Open(cmd.Context(), cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := migrate.Version(cmd.Context(), s.DB)
			if err != nil {
				return err
			}
			fmt.Printf("%s at schema version %d\n", cfg.Storage.Path, v)
			return nil
		},
	})
	return db
}

func storeCmd() *cobra.Command {
	st := &cobra.Command{Use: "store", Short: "Move data between storage backends"}
	var from, to string
	copyCmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy every entity from one store into an empty one",
		Example: `  rs store copy --from sqlite:redstone.db --to document:redstone.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srcBackend, srcPath, err := app.ParseLocation(from)
			if err != nil {
				return err
			}
			dstBackend, dstPath, err := app.ParseLocation(to)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			src, err := app.OpenStore(ctx, srcBackend, srcPath)
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := app.OpenStore(ctx, dstBackend, dstPath)
			if err != nil {
				return err
			}
			defer dst.Close()
			rep, err := transfer.Copy(ctx, src, dst, logging.For(log, "transfer"))
			if err != nil {
				return err
			}
			return printTable(rep, table.Row{"Projects", "Epics", "Features", "Definitions", "Runs", "Cases", "Events", "Dangling refs"},
				[]table.Row{{rep.Projects, rep.Epics, rep.Features, rep.Definitions, rep.Runs, rep.Cases, rep.Events,
					rep.DanglingDefinitionRefs + rep.DanglingProjectRefs}})
		},
	}
	copyCmd.Flags().StringVar(&from, "from", "", "source as backend:path")
	copyCmd.Flags().StringVar(&to, "to", "", "destination as backend:path")
	_ = copyCmd.MarkFlagRequired("from")
	_ = copyCmd.MarkFlagRequired("to")
	st.AddCommand(copyCmd)
	return st
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects with counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.EpicCount, p.TestDefinitionCount, p.ActiveTestDefinitionCount})
				}
				return printTable(items, table.Row{"ID", "Name", "Epics", "Definitions", "Active"}, rows)
			})
		},
	})

	var desc string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{Name: args[0], Description: desc})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	create.Flags().StringVar(&desc, "description", "", "description")
	prj.AddCommand(create)

	prj.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})

	prj.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project without epics or runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted project", args[0])
				return nil
			})
		},
	})
	return prj
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect and control test runs"}

	var projectID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if limit == 0 {
					limit = a.Config.API.RunsPerPage
				}
				items, err := a.Engine.ListRuns(ctx, engine.RunListOptions{ProjectID: projectID, Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.ID, r.Name, r.Status, r.StartTime.Format(time.RFC3339),
						r.Stats.TestCount, r.Stats.Passed, r.Stats.Failed, r.Stats.Skipped,
						fmt.Sprintf("%.2f%%", r.Stats.SuccessRate), optionalInt64(r.Stats.Duration)})
				}
				return printTable(items, table.Row{"ID", "Name", "Status", "Started", "Tests", "Passed", "Failed", "Skipped", "Success", "Duration ms"}, rows)
			})
		},
	}
	list.Flags().StringVar(&projectID, "project", "", "project id")
	list.Flags().IntVar(&limit, "limit", 0, "maximum runs (default api.runs_per_page)")
	run.AddCommand(list)

	var startProject string
	start := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.StartRun(ctx, engine.RunStartOptions{Name: args[0], ProjectID: startProject})
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	start.Flags().StringVar(&startProject, "project", "", "project id")
	run.AddCommand(start)

	run.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})

	var status string
	cases := &cobra.Command{
		Use:   "cases <id>",
		Short: "List the cases of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListCases(ctx, args[0], domain.CaseStatus(status))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.Name, c.Status, optionalInt64(c.Duration), len(c.Steps), c.ErrorMessage})
				}
				return printTable(items, table.Row{"ID", "Name", "Status", "Duration ms", "Steps", "Error"}, rows)
			})
		},
	}
	cases.Flags().StringVar(&status, "status", "", "passed|failed|skipped")
	run.AddCommand(cases)

	run.AddCommand(&cobra.Command{
		Use:   "finish <id>",
		Short: "Complete a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.FinishRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})

	run.AddCommand(&cobra.Command{
		Use:   "abort <id>",
		Short: "Abort a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.AbortRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})

	run.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a run with its cases and screenshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted run", args[0])
				return nil
			})
		},
	})
	return run
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Statistics across every run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.GlobalStats(ctx)
				if err != nil {
					return err
				}
				return printTable(st, table.Row{"Runs", "Tests", "Passed", "Failed", "Skipped", "Success"},
					[]table.Row{{st.TotalRuns, st.TotalTests, st.Passed, st.Failed, st.Skipped, fmt.Sprintf("%.2f%%", st.SuccessRate)}})
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, n)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.TS.Format(time.RFC3339), e.Type, e.EntityKind, e.EntityID, e.Actor})
				}
				return printTable(items, table.Row{"Time", "Type", "Kind", "Entity", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the configured jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, recorded as the event actor")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
