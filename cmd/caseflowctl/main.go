package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/netutils"
)

var (
	apiURL string
	client *http.Client
)

func main() {
	apiURL = os.Getenv("CASEFLOW_API")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	client = netutils.NewClient(os.Getenv("CASEFLOW_INSECURE") != "")

	rootCmd := &cobra.Command{Use: "caseflowctl"}

	casesCmd := &cobra.Command{
		Use:   "cases",
		Short: "List all cases",
		RunE:  listCases,
	}

	caseCmd := &cobra.Command{
		Use:   "case [id]",
		Short: "Show one case with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showCase(args[0])
		},
	}

	gpusCmd := &cobra.Command{
		Use:   "gpus",
		Short: "Show the GPU pool",
		RunE:  listGPUs,
	}

	parkedCmd := &cobra.Command{
		Use:   "parked",
		Short: "List cases waiting for a GPU",
		RunE:  listParked,
	}

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Show dead-letter queue depth",
		RunE:  showDLQ,
	}

	rootCmd.AddCommand(casesCmd, caseCmd, gpusCmd, parkedCmd, dlqCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func get(path string, out any) error {
	resp, err := client.Get(apiURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func listCases(cmd *cobra.Command, args []string) error {
	var cases []models.Case
	if err := get("/v1/cases", &cases); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CASE\tSTATUS\tSTEP\tGPU\tPROGRESS\tUPDATED")
	for _, c := range cases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			c.ID, c.Status, strOrDash(c.CurrentStep), intOrDash(c.ResourceIndex),
			c.Progress, c.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func showCase(id string) error {
	var c models.Case
	if err := get("/v1/cases/"+id, &c); err != nil {
		return err
	}

	fmt.Printf("Case:        %s\n", c.ID)
	fmt.Printf("Status:      %s\n", c.Status)
	fmt.Printf("Step:        %s\n", strOrDash(c.CurrentStep))
	fmt.Printf("GPU:         %s\n", intOrDash(c.ResourceIndex))
	fmt.Printf("Progress:    %d%%\n", c.Progress)
	fmt.Printf("Correlation: %s\n", c.CorrelationID)
	if c.ErrorKind != nil {
		fmt.Printf("Error:       %s: %s\n", *c.ErrorKind, strOrDash(c.ErrorMessage))
	}

	var history []models.HistoryEntry
	if err := get("/v1/cases/"+id+"/history", &history); err != nil {
		return err
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFROM\tTO\tSTEP\tCAUSE")
	for _, e := range history {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.FromStatus, e.ToStatus,
			strOrDash(e.Step), e.Cause)
	}
	return w.Flush()
}

func listGPUs(cmd *cobra.Command, args []string) error {
	var gpus []models.GPU
	if err := get("/v1/gpus", &gpus); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GPU\tID\tSTATE\tOWNER\tUTIL\tMEMORY\tTEMP")
	for _, g := range gpus {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.0f%%\t%d/%d MiB\t%.0fC\n",
			g.Index, g.ID, g.State, strOrDash(g.OwnerCaseID),
			g.Utilization, g.MemoryUsed, g.MemoryTotal, g.Temperature)
	}
	return w.Flush()
}

func listParked(cmd *cobra.Command, args []string) error {
	var parked []models.ParkedCase
	if err := get("/v1/parked", &parked); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CASE\tWAITING FOR\tPARKED SINCE")
	for _, p := range parked {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			p.CaseID, p.IntendedStep, p.ParkedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func showDLQ(cmd *cobra.Command, args []string) error {
	var out struct {
		Queue string `json:"queue"`
		Depth int64  `json:"depth"`
	}
	if err := get("/v1/dlq", &out); err != nil {
		return err
	}
	fmt.Printf("%s:dlq depth: %d\n", out.Queue, out.Depth)
	return nil
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func intOrDash(i *int) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *i)
}
