package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"medflow/internal/config"
	"medflow/internal/db"
	"medflow/internal/domain"
	"medflow/internal/engine"
	"medflow/internal/mailer"
	"medflow/internal/migrate"
	"medflow/internal/notify"
	"medflow/internal/repo"
	"medflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mf",
	Short: "Medflow CLI",
	Long: `Medflow manages EMS transport requests through their approval workflow.
Sales creates a request, Ops confirms availability, Sales records the client's
decision, and Ops assigns an ambulance and crew. Every transition is gated by
role capabilities and logged to the audit trail.`,
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
	viper.SetEnvPrefix("MEDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("actor-email", "", "acting user email")
	rootCmd.PersistentFlags().String("role", "admin", "acting user role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-email", rootCmd.PersistentFlags().Lookup("actor-email"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mailerCmd())
}

func actor() domain.Actor {
	return domain.Actor{
		ID:    viper.GetString("actor-id"),
		Email: viper.GetString("actor-email"),
		Role:  viper.GetString("role"),
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage medflow.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println(path, "ok")
			return nil
		},
	}
}

// --- transport requests ---

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage transport requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestAvailableCmd())
	req.AddCommand(requestOpsRejectCmd())
	req.AddCommand(requestClientRejectCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestEventsCmd())
	req.AddCommand(requestWatchCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var projectType, serviceType, cityScope, teams string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transport request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectType = domain.ProjectType(projectType)
			opts.ServiceType = domain.ServiceType(serviceType)
			opts.CityScope = domain.CityScope(cityScope)
			if teams != "" {
				if err := json.Unmarshal([]byte(teams), &opts.Teams); err != nil {
					return fmt.Errorf("--teams must be JSON like [{\"composition\":\"doctor_emt\",\"quantity\":2}]: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateRequest(ctx, actor(), opts)
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
	cmd.Flags().StringVar(&projectType, "project-type", "", "coverage or transporting")
	cmd.Flags().StringVar(&serviceType, "service-type", "", "ALS or BLS")
	cmd.Flags().StringVar(&opts.StartsAt, "starts-at", "", "RFC3339 start")
	cmd.Flags().StringVar(&opts.EndsAt, "ends-at", "", "RFC3339 end")
	cmd.Flags().StringVar(&opts.Requirements, "requirements", "", "free-text requirements")
	cmd.Flags().StringVar(&cityScope, "city-scope", "inside", "inside or outside")
	cmd.Flags().StringVar(&opts.City, "city", "", "city name")
	cmd.Flags().StringVar(&teams, "teams", "", "team requirements as JSON")
	cmd.Flags().BoolVar(&opts.AmbulanceNeeded, "ambulance", false, "ambulance needed")
	cmd.Flags().IntVar(&opts.AmbulanceCount, "ambulance-count", 0, "ambulance count")
	cmd.Flags().BoolVar(&opts.RoamingNeeded, "roaming", false, "roaming unit needed")
	cmd.Flags().IntVar(&opts.RoamingCount, "roaming-count", 0, "roaming unit count")
	cmd.Flags().IntVar(&opts.DurationDays, "days", 0, "duration days")
	cmd.Flags().IntVar(&opts.DurationHours, "hours", 0, "duration hours")
	_ = cmd.MarkFlagRequired("project-type")
	_ = cmd.MarkFlagRequired("service-type")
	_ = cmd.MarkFlagRequired("city")
	return cmd
}

func requestListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transport requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, domain.Status(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Project", "Service", "City", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{shortID(r.ID), r.DisplayLabel(), r.ProjectType, r.ServiceType, r.City, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one transport request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
}

func transitionCmd(use, short string, needNote bool, run func(ctx context.Context, e engine.Engine, id, note string) (domain.TransportRequest, error)) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := run(ctx, e, args[0], note)
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
	if needNote {
		cmd.Flags().StringVar(&note, "note", "", "decision note")
		_ = cmd.MarkFlagRequired("note")
	} else {
		cmd.Flags().StringVar(&note, "note", "", "optional note")
	}
	return cmd
}

func requestAvailableCmd() *cobra.Command {
	return transitionCmd("available", "Mark availability (ops)", false,
		func(ctx context.Context, e engine.Engine, id, note string) (domain.TransportRequest, error) {
			return e.MarkAvailable(ctx, id, actor(), note)
		})
}

func requestOpsRejectCmd() *cobra.Command {
	return transitionCmd("ops-reject", "Reject for unavailability (ops)", true,
		func(ctx context.Context, e engine.Engine, id, note string) (domain.TransportRequest, error) {
			return e.RejectOps(ctx, id, actor(), note)
		})
}

func requestClientRejectCmd() *cobra.Command {
	return transitionCmd("client-reject", "Record client rejection (sales)", true,
		func(ctx context.Context, e engine.Engine, id, note string) (domain.TransportRequest, error) {
			return e.RejectClient(ctx, id, actor(), note)
		})
}

func requestApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Record client approval (sales)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Approve(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
}

func requestAssignCmd() *cobra.Command {
	var team, ambulance, crew string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign units (ops)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Assign(ctx, args[0], actor(), engine.AssignOptions{
					AmbulanceID: ambulance,
					Team:        team,
					Crew:        engine.ParseCrew(crew),
				})
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team identifier")
	cmd.Flags().StringVar(&ambulance, "ambulance", "", "ambulance identifier")
	cmd.Flags().StringVar(&crew, "crew", "", "comma-separated crew names")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func requestEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Audit log for one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.Events(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func requestWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Watch a request until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				last := ""
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					req, err := e.Repo.GetRequest(ctx, args[0])
					if err != nil {
						return err
					}
					if string(req.Status) != last {
						last = string(req.Status)
						fmt.Printf("%s  %s  %s\n", req.UpdatedAt, shortID(req.ID), req.DisplayLabel())
						if req.Status.Terminal() {
							return nil
						}
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

// --- rbac ---

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Inspect role capabilities"}
	cmd.AddCommand(rbacShowCmd())
	return cmd
}

func rbacShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <role>",
		Short: "Show a role's capability matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RBAC.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"role":  args[0],
					"admin": m.Admin,
					"caps":  m.Grants(),
				}
				return printJSON(out)
			})
		},
	}
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage machine API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to the acting user and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := actor()
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:         uuid.New().String(),
					ActorID:    a.ID,
					ActorEmail: a.Email,
					Role:       a.Role,
					Name:       name,
					KeyHash:    repo.HashAPIKey(secret),
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				return printJSON(map[string]string{"id": key.ID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, cursor)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "after", 0, "only events with id greater than this")
	return cmd
}

// --- servers ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
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
			e := newEngine(conn, cfg, log)
			if err := e.SeedRoles(cmd.Context(), roleSeeds(cfg)); err != nil {
				return err
			}

			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("MEDFLOW_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !cfg.Server.AllowLegacyActorHeader {
				return fmt.Errorf("set server.jwt_secret (or MEDFLOW_JWT_SECRET), or enable allow_legacy_actor_header for local use")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					Log:                    log,
				},
			})
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), log, addr, handler, "api")
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func mailerCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "mailer",
		Short: "Start the mail transport service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			var sender mailer.Sender = mailer.LogSender{Log: log}
			if cfg.Mailer.SMTP.Host != "" {
				sender = mailer.SMTPSender{Host: cfg.Mailer.SMTP.Host, Port: cfg.Mailer.SMTP.Port}
			}
			svc := &mailer.Service{Config: cfg.Mailer, Sender: sender, Log: log}
			if addr == "" {
				addr = cfg.Mailer.Addr
			}
			return runServer(cmd.Context(), log, addr, svc.Handler(), "mailer")
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	return cmd
}

func runServer(ctx context.Context, log zerolog.Logger, addr string, handler http.Handler, name string) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msgf("%s listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- helpers ---

func newEngine(conn *sql.DB, cfg *config.Config, log zerolog.Logger) engine.Engine {
	e := engine.New(conn, log)
	timeout := time.Duration(cfg.Mailer.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if cfg.Mailer.URL != "" {
		e.Notifier = notify.NewDispatcher(cfg.Mailer.URL, timeout, log)
	}
	return e
}

func roleSeeds(cfg *config.Config) map[string]engine.RoleSeed {
	seeds := map[string]engine.RoleSeed{}
	for id, role := range cfg.Roles {
		seeds[id] = engine.RoleSeed{Description: role.Description, Capabilities: role.Capabilities}
	}
	return seeds
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log := newLogger()
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
	e := newEngine(conn, cfg, log)
	if err := e.SeedRoles(ctx, roleSeeds(cfg)); err != nil {
		return err
	}
	return fn(ctx, e)
}

func printRequest(req domain.TransportRequest) error {
	if viper.GetBool("json") {
		return printJSON(req)
	}
	fmt.Printf("%s  %s\n", req.ID, req.DisplayLabel())
	return printJSON(req)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
