package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/builtin"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/config"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/definition"
	internal_http "github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/http"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/log"
	internal_storage "github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/storage"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/service"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type app struct {
	cfg config.Config
}

// SetupCLI adds the flowengine commands to rootCmd. Every command accepts
// --db; without it DATABASE_URL or the DB_* variables are used.
func SetupCLI(rootCmd *cobra.Command) {
	a := &app{}
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
		return log.Configure(cfg.LogLevel, cfg.LogFormat)
	}

	runCmd := &cobra.Command{
		Use:   "run [definition file]",
		Short: "Execute a workflow definition and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runWorkflow,
	}
	runCmd.Flags().String("input", "", "JSON or YAML file with the initial context")
	runCmd.Flags().String("input-json", "", "Initial context as inline JSON")
	runCmd.Flags().String("tenant", "", "Tenant that owns the execution")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE:  a.listExecutions,
	}
	listCmd.Flags().String("workflow", "", "Only executions of this workflow id")
	listCmd.Flags().String("tenant", "", "Only executions of this tenant")
	listCmd.Flags().String("status", "", "Only executions in this status")
	listCmd.Flags().Int("limit", 20, "Maximum number of executions (0 for all)")

	getCmd := &cobra.Command{
		Use:   "get [execution id]",
		Short: "Show an execution and its step records",
		Args:  cobra.ExactArgs(1),
		RunE:  a.getExecution,
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [execution id]",
		Short: "Request cancellation of a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  a.cancelExecution,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  a.serve,
	}
	serveCmd.Flags().String("port", "", "Port to listen on (defaults to HTTP_PORT)")

	validateCmd := &cobra.Command{
		Use:   "validate [definition file...]",
		Short: "Check definition files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.validate,
	}

	rootCmd.AddCommand(runCmd, listCmd, getCmd, cancelCmd, serveCmd, validateCmd)
}

func (a *app) runWorkflow(cmd *cobra.Command, args []string) error {
	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}
	input, err := readInput(cmd)
	if err != nil {
		return err
	}
	tenant, _ := cmd.Flags().GetString("tenant")

	store, err := a.initStore(cmd, false)
	if err != nil {
		return err
	}
	defer store.Close()
	engine, err := a.newEngine(store, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	exec, runErr := engine.Execute(ctx, def, service.ExecuteOptions{
		Input:         input,
		TenantID:      tenant,
		TriggerType:   "cli",
		TriggerSource: args[0],
	})
	if err := a.closeEngine(engine); err != nil {
		log.GetLogger().Errorf("Failed to close engine: %v", err)
	}
	// a zero execution means the run was never recorded
	if exec.ID == "" {
		return runErr
	}
	if err := printJSON(cmd.OutOrStdout(), exec); err != nil {
		return err
	}
	if exec.Status == models.FailedExecutionStatus {
		return fmt.Errorf("execution %s failed: %s", exec.ID, exec.Error)
	}
	return runErr
}

func (a *app) listExecutions(cmd *cobra.Command, args []string) error {
	workflowID, _ := cmd.Flags().GetString("workflow")
	tenant, _ := cmd.Flags().GetString("tenant")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := a.initStore(cmd, true)
	if err != nil {
		return err
	}
	defer store.Close()
	engine, err := a.newEngine(store, nil)
	if err != nil {
		return err
	}

	execs, err := engine.ListExecutions(storage.ExecutionFilter{
		WorkflowID: workflowID,
		TenantID:   tenant,
		Status:     models.ExecutionStatus(strings.ToUpper(status)),
		Limit:      limit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to list executions")
	}
	out := cmd.OutOrStdout()
	if len(execs) == 0 {
		fmt.Fprintf(out, "No executions found.\n")
		return nil
	}
	fmt.Fprintf(out, "Executions:\n")
	for _, exec := range execs {
		fmt.Fprintf(out, "- ID: %s, Workflow: %s v%d, Status: %s, Created: %s\n",
			exec.ID, exec.WorkflowID, exec.WorkflowVersion, exec.Status, exec.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func (a *app) getExecution(cmd *cobra.Command, args []string) error {
	store, err := a.initStore(cmd, true)
	if err != nil {
		return err
	}
	defer store.Close()
	engine, err := a.newEngine(store, nil)
	if err != nil {
		return err
	}
	exec, err := engine.GetExecution(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), exec)
}

func (a *app) cancelExecution(cmd *cobra.Command, args []string) error {
	store, err := a.initStore(cmd, true)
	if err != nil {
		return err
	}
	defer store.Close()
	engine, err := a.newEngine(store, nil)
	if err != nil {
		return err
	}
	if _, err := engine.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for execution %s\n", args[0])
	return nil
}

func (a *app) serve(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetString("port")
	if port == "" {
		port = a.cfg.HTTPPort
	}

	store, err := a.initStore(cmd, false)
	if err != nil {
		return err
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engine, err := a.newEngine(store, promReg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveErr := internal_http.StartServer(ctx, port, engine, promReg)
	if err := a.closeEngine(engine); err != nil {
		log.GetLogger().Errorf("Failed to drain running executions: %v", err)
	}
	return serveErr
}

func (a *app) validate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		def, err := definition.LoadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s v%d)\n", path, def.ID, def.Version)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definition(s) invalid", failed, len(args))
	}
	return nil
}

// initStore opens Postgres when a connection string is configured. Commands
// that only make sense against a shared ledger pass required; the rest fall
// back to an in-memory store.
func (a *app) initStore(cmd *cobra.Command, required bool) (storage.Store, error) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		return nil, errors.Wrap(err, "error retrieving db flag")
	}
	if dbConnStr == "" {
		dbConnStr = a.cfg.DatabaseURL
	}
	if dbConnStr == "" {
		if required {
			return nil, errors.New("--db flag, DATABASE_URL or complete DB_* env vars required")
		}
		log.GetLogger().Warnf("No database configured, executions are kept in memory only")
		return storage.NewMockStore(), nil
	}
	log.GetLogger().Debugf("Running %s with db: %s", cmd.Name(), dbConnStr)
	store, err := internal_storage.InitStore(dbConnStr, a.cfg.MaxOpenConns)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}
	return store, nil
}

func (a *app) newEngine(store storage.Store, promReg prometheus.Registerer) (*service.Engine, error) {
	reg := registry.New()
	if err := builtin.Register(reg, log.GetLogger()); err != nil {
		return nil, err
	}
	opts := []service.Option{
		service.WithMaxParallel(a.cfg.MaxParallel),
		service.WithStepTimeout(a.cfg.StepTimeout),
	}
	if promReg != nil {
		opts = append(opts, service.WithMetrics(service.NewMetrics(promReg)))
	}
	return service.NewEngine(store, reg, log.GetLogger(), opts...), nil
}

func (a *app) closeEngine(engine *service.Engine) error {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return engine.Close(ctx)
}

func readInput(cmd *cobra.Command) (map[string]any, error) {
	path, _ := cmd.Flags().GetString("input")
	inline, _ := cmd.Flags().GetString("input-json")
	switch {
	case path != "" && inline != "":
		return nil, errors.New("use either --input or --input-json, not both")
	case path != "":
		return definition.LoadInput(path)
	case inline != "":
		input := map[string]any{}
		if err := json.Unmarshal([]byte(inline), &input); err != nil {
			return nil, errors.Wrap(err, "invalid --input-json")
		}
		return input, nil
	}
	return map[string]any{}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
