package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/client"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

var (
	serverURL  string
	jsonOutput bool

	submitMode      string
	submitPlatforms []string
	submitParams    string
	submitWatch     bool

	statusFilter string
	statusLimit  int

	watchInterval time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Submit a workflow",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show one workflow or list recent ones",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch <workflow-id>",
	Short: "Follow a workflow until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents and their status",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, statusCmd, watchCmd, cancelCmd, agentsCmd} {
		c.Flags().StringVar(&serverURL, "url", "", "server URL (default from config or CLIPFORGE_URL)")
		c.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	}

	submitCmd.Flags().StringVarP(&submitMode, "mode", "m", "", "execution mode: sequential, parallel or hybrid")
	submitCmd.Flags().StringSliceVarP(&submitPlatforms, "platform", "p", nil, "target platform (repeatable)")
	submitCmd.Flags().StringVar(&submitParams, "params", "", "per-agent parameters as a JSON object")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow the workflow after submitting")
	_ = submitCmd.MarkFlagRequired("platform")

	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter by run status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum runs to list")

	for _, c := range []*cobra.Command{watchCmd, submitCmd} {
		c.Flags().DurationVar(&watchInterval, "interval", time.Second, "poll interval")
	}
}

func newClient() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cc := cfg.Client
	if serverURL != "" {
		cc.URL = serverURL
	}
	return client.New(cc, cfg.Web.Auth), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	req := workflow.Request{
		Prompt:    strings.Join(args, " "),
		Mode:      workflow.Mode(submitMode),
		Platforms: submitPlatforms,
	}
	if submitParams != "" {
		if err := json.Unmarshal([]byte(submitParams), &req.Parameters); err != nil {
			return fmt.Errorf("parse --params: %w", err)
		}
	}

	run, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}
	if !submitWatch {
		if jsonOutput {
			return printJSON(os.Stdout, run)
		}
		fmt.Printf("Workflow %s accepted (%s)\n", run.ID, run.Mode)
		return nil
	}
	return watch(cmd.Context(), c, run.ID)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		run, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, run)
		}
		printRun(os.Stdout, run)
		return nil
	}

	runs, err := c.List(cmd.Context(), workflow.Filter{Status: workflow.RunStatus(statusFilter), Limit: statusLimit})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Println("No workflows.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSTATUS\tPROGRESS\tACCEPTED\tPROMPT")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			r.ID, r.Mode, r.Status, r.Progress, r.AcceptedAt.Local().Format(time.DateTime), truncate(r.Prompt, 40))
	}
	return w.Flush()
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	return watch(cmd.Context(), c, args[0])
}

func watch(ctx context.Context, c *client.Client, id string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	last := -1
	run, err := c.Watch(ctx, id, watchInterval, func(r *workflow.Run) {
		if jsonOutput || r.Progress == last {
			return
		}
		last = r.Progress
		fmt.Printf("%s %3d%% %s\n", time.Now().Format(time.TimeOnly), r.Progress, r.Status)
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, run)
	}
	fmt.Println()
	printRun(os.Stdout, run)
	if run.Status != workflow.RunCompleted {
		return fmt.Errorf("workflow %s", run.Status)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	run, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, run)
	}
	fmt.Printf("Workflow %s %s at %d%%\n", run.ID, run.Status, run.Progress)
	return nil
}

func runAgents(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	statuses, err := c.Agents(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, statuses)
	}
	printAgents(os.Stdout, statuses)
	return nil
}

func printRun(out io.Writer, run *workflow.Run) {
	fmt.Fprintf(out, "Workflow %s\n", run.ID)
	fmt.Fprintf(out, "  Status:    %s (%d%%)\n", run.Status, run.Progress)
	fmt.Fprintf(out, "  Mode:      %s\n", run.Mode)
	fmt.Fprintf(out, "  Platforms: %s\n", strings.Join(run.Platforms, ", "))
	if run.ExecutionTimeMS != nil {
		fmt.Fprintf(out, "  Duration:  %s\n", (time.Duration(*run.ExecutionTimeMS) * time.Millisecond).String())
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  AGENT\tSTATUS\tRETRIES\tREASON")
	for _, t := range run.TaskTypes() {
		rec := run.Tasks[t]
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", t, rec.Status, rec.Retries, rec.Reason)
	}
	_ = w.Flush()

	if len(run.OutputFiles) > 0 {
		fmt.Fprintln(out, "  Outputs:")
		for _, f := range run.OutputFiles {
			fmt.Fprintf(out, "    %s\n", f)
		}
	}
	if len(run.Errors) > 0 {
		fmt.Fprintln(out, "  Errors:")
		for _, e := range run.Errors {
			fmt.Fprintf(out, "    %s\n", e)
		}
	}
}

func printAgents(out io.Writer, statuses map[agent.Type]registry.AgentStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tPRIORITY\tREQUIRED\tCURRENT TASK")
	for _, t := range agent.AllTypes() {
		st, ok := statuses[t]
		if !ok {
			continue
		}
		required := ""
		if st.Required {
			required = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t, st.Status, st.Priority, required, st.CurrentTask)
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
