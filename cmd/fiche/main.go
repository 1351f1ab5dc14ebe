package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fichecontact/internal/app"
	"fichecontact/internal/config"
	"fichecontact/internal/domain"
	"fichecontact/internal/engine"
	"fichecontact/internal/logging"
	"fichecontact/internal/server"
)

var (
	configFile string
	settings   *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "fiche",
	Short: "Fiche contact CLI",
	Long: `fiche manages client contact fiches for renovation work.
- A fiche is created in progress with the client and appointment details.
- Planned works carry free-form details; completing a fiche checks each work
  against the JSON schema of its work type (see 'fiche schema list').
- Every change is written to a per-fiche event journal ('fiche events <id>').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(viper.GetViper(), configFile)
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.StringVar(&configFile, "config", "", "config file (default <workspace>/fiche.yml)")
	pf.Bool("json", false, "output JSON")
	pf.String("db-driver", config.DriverSQLite, "storage driver: sqlite, postgres, gorm-sqlite or memory")
	pf.String("db-dsn", "", "database DSN (postgres key=value or URL, sqlite file URI)")
	pf.String("schemas", filepath.Join("config", "work_schemas.json"), "work schema catalogue (JSON or YAML)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	_ = viper.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = viper.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("json", pf.Lookup("json"))
	_ = viper.BindPFlag("db.driver", pf.Lookup("db-driver"))
	_ = viper.BindPFlag("db.dsn", pf.Lookup("db-dsn"))
	_ = viper.BindPFlag("schemas", pf.Lookup("schemas"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(citiesCmd())
	rootCmd.AddCommand(eventsCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:         a.Engine,
					Schemas:        a.Schemas,
					BasePath:       settings.BasePath,
					AllowedOrigins: settings.AllowedOrigins,
					Log:            a.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              settings.Addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving fiche API", "addr", settings.Addr, "base_path", settings.BasePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().StringSlice("allowed-origins", []string{"*"}, "CORS allowed origins")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base_path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("allowed_origins", cmd.Flags().Lookup("allowed-origins"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("database ready (driver %s)\n", settings.DB.Driver)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect or create fiche.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(settings)
			}
			out, err := settings.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter fiche.yml in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(settings.Workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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
	return cfg
}

func schemaCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schema", Short: "Inspect work schemas"}
	sc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List work types with a schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				works := a.Schemas.Works()
				if viper.GetBool("json") {
					return printJSON(works)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work", "Title", "Required"})
				for _, w := range works {
					doc, _ := a.Schemas.Schema(w)
					title, _ := doc["title"].(string)
					tw.AppendRow(table.Row{w, title, requiredKeys(doc)})
				}
				tw.Render()
				return nil
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "show <work>",
		Short: "Print the schema of a work type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				doc, ok := a.Schemas.Schema(args[0])
				if !ok {
					return fmt.Errorf("no schema for work type '%s'", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				out, err := yaml.Marshal(map[string]any(doc))
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	return sc
}

func requiredKeys(doc map[string]any) string {
	raw, _ := doc["required"].([]any)
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return strings.Join(keys, ", ")
}

type ficheFlags struct {
	lastname, firstname, date, heure, phone, email string
	address, postalCode, city, housingType         string
	housingStatus, origin, commentary              string
}

func (f *ficheFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.lastname, "lastname", "", "last name")
	cmd.Flags().StringVar(&f.firstname, "firstname", "", "first name")
	cmd.Flags().StringVar(&f.date, "date-rdv", "", "appointment date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.heure, "heure-rdv", "", "appointment time (HH:MM[:SS])")
	cmd.Flags().StringVar(&f.phone, "telephone", "", "phone number")
	cmd.Flags().StringVar(&f.email, "email", "", "email address")
	cmd.Flags().StringVar(&f.address, "address", "", "street address")
	cmd.Flags().StringVar(&f.postalCode, "code-postal", "", "postal code")
	cmd.Flags().StringVar(&f.city, "city", "", "city")
	cmd.Flags().StringVar(&f.housingType, "type-logement", "", "housing type")
	cmd.Flags().StringVar(&f.housingStatus, "statut-habitation", "", "housing status")
	cmd.Flags().StringVar(&f.origin, "origin", "", "origin of contact (Salon, CLIENT, RS, Affichage...)")
	cmd.Flags().StringVar(&f.commentary, "commentary", "", "free comment")
}

func createCmd() *cobra.Command {
	var f ficheFlags
	var worksFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a fiche in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			var works []domain.WorksPlanned
			if worksFile != "" {
				items, err := readWorksFile(worksFile)
				if err != nil {
					return err
				}
				if works, err = plannedWorks(items); err != nil {
					return fmt.Errorf("works file %s: %w", worksFile, err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateFiche(ctx, engine.FicheCreateOptions{
					Lastname:        f.lastname,
					Firstname:       f.firstname,
					AppointmentDate: f.date,
					AppointmentTime: f.heure,
					Phone:           f.phone,
					Email:           f.email,
					Address:         f.address,
					PostalCode:      f.postalCode,
					City:            f.city,
					HousingType:     f.housingType,
					HousingStatus:   f.housingStatus,
					OriginContact:   f.origin,
					WorksPlanned:    works,
					Commentary:      f.commentary,
				})
				if err != nil {
					return err
				}
				return printFiche(created)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&worksFile, "works", "", "JSON file with planned works (not schema checked)")
	_ = cmd.MarkFlagRequired("lastname")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func updateCmd() *cobra.Command {
	var f ficheFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the given fields of a fiche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := func(name, value string) engine.Opt[string] {
				if !cmd.Flags().Changed(name) {
					return engine.Opt[string]{}
				}
				return engine.Some(value)
			}
			opts := engine.FicheUpdateOptions{
				ID:              args[0],
				Lastname:        opt("lastname", f.lastname),
				Firstname:       opt("firstname", f.firstname),
				AppointmentDate: opt("date-rdv", f.date),
				AppointmentTime: opt("heure-rdv", f.heure),
				Phone:           opt("telephone", f.phone),
				Email:           opt("email", f.email),
				Address:         opt("address", f.address),
				PostalCode:      opt("code-postal", f.postalCode),
				City:            opt("city", f.city),
				HousingType:     opt("type-logement", f.housingType),
				HousingStatus:   opt("statut-habitation", f.housingStatus),
				OriginContact:   opt("origin", f.origin),
				Commentary:      opt("commentary", f.commentary),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				updated, err := a.Engine.UpdateFiche(ctx, opts)
				if err != nil {
					return err
				}
				return printFiche(updated)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func listCmd() *cobra.Command {
	var inProgress bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fiches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Fiche
				var err error
				if inProgress {
					items, err = a.Engine.ListInProgress(ctx)
				} else {
					items, err = a.Engine.ListFiches(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "City", "RDV", "Origin", "Works", "Status"})
				for _, f := range items {
					rdv := strings.TrimSpace(f.AppointmentDate + " " + f.AppointmentTime)
					tw.AppendRow(table.Row{f.ID, f.Lastname + " " + f.Firstname, f.City, rdv, f.OriginContact, len(f.WorksPlanned), f.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&inProgress, "in-progress", false, "only fiches in progress")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a fiche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.GetFiche(ctx, args[0])
				if err != nil {
					return err
				}
				return printFiche(f)
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Mark a fiche completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.ValidateFiche(ctx, args[0])
				if err != nil {
					return err
				}
				return printFiche(f)
			})
		},
	}
}

func completeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Replace the works of a fiche after schema validation and complete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readWorksFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.CompleteFiche(ctx, args[0], items)
				if err != nil {
					return err
				}
				return printFiche(f)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file: a works list or {\"works_planned\": [...]}")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a fiche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteFiche(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func citiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cities",
		Short: "List distinct cities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cities, err := a.Engine.Cities(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cities)
				}
				for _, c := range cities {
					fmt.Println(c)
				}
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show the event journal of a fiche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.FicheEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Payload"})
				for _, evt := range evts {
					payload, _ := json.Marshal(evt.Payload)
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// readWorksFile accepts a bare JSON array or an object with works_planned.
func readWorksFile(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		WorksPlanned []map[string]any `json:"works_planned"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid works file %s: %w", path, err)
	}
	return wrapped.WorksPlanned, nil
}

// plannedWorks converts works file items. Schemas are not checked, but each
// item needs a string work and an object details.
func plannedWorks(items []map[string]any) ([]domain.WorksPlanned, error) {
	works := make([]domain.WorksPlanned, 0, len(items))
	for i, item := range items {
		work, ok := item["work"].(string)
		if !ok || work == "" {
			return nil, fmt.Errorf("item %d: field 'work' must be a non-empty string", i+1)
		}
		details, ok := item["details"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d: field 'details' must be an object", i+1)
		}
		works = append(works, domain.WorksPlanned{Work: work, Details: details})
	}
	return works, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log := logging.New(os.Stderr, settings.LogLevel, settings.Production())
	a, err := app.Open(ctx, settings, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printFiche(f domain.Fiche) error {
	if viper.GetBool("json") {
		return printJSON(f)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", f.ID},
		{"Status", f.Status},
		{"Name", f.Lastname + " " + f.Firstname},
		{"RDV", strings.TrimSpace(f.AppointmentDate + " " + f.AppointmentTime)},
		{"Telephone", f.Phone},
		{"Email", f.Email},
		{"Address", strings.TrimSpace(f.Address + ", " + f.PostalCode + " " + f.City)},
		{"Logement", strings.TrimSpace(f.HousingType + " " + f.HousingStatus)},
		{"Origin", f.OriginContact},
		{"Commentary", f.Commentary},
	})
	for i, w := range f.WorksPlanned {
		details, _ := json.Marshal(w.Details)
		tw.AppendRow(table.Row{fmt.Sprintf("Work %d", i+1), w.Work + " " + string(details)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
