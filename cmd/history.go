package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"provisioner/internal/history"
	"provisioner/internal/util"
)

func newHistoryCmd() *cobra.Command {
	var filter history.Filter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				util.Default.Println("No deployments recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSOLUTION\tPRESET\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.SolutionID, r.PresetID, r.Status,
					r.StartedAt.Local().Format(time.DateTime), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.SolutionID, "solution", "", "Only runs of this solution")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum runs to show (0 for all)")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <run_id>",
		Short: "Show one deployment with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			r, err := store.Get(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return fmt.Errorf("no deployment with run id %s", args[0])
			}
			if err != nil {
				return err
			}
			util.Default.Printf("Run %s: %s / %s, %s\n", r.RunID, r.SolutionID, r.PresetID, r.Status)
			util.Default.Printf("Started %s, took %s\n", r.StartedAt.Local().Format(time.DateTime), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
			if r.Error != "" {
				util.Default.Printf("Error: %s\n", r.Error)
			}
			if r.LogPath != "" {
				util.Default.Printf("Log: %s\n", r.LogPath)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tTYPE\tTARGET\tSTATUS\tERROR")
			for _, s := range r.Steps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.StepID, s.Type, s.Target, s.Status, s.Error)
			}
			return w.Flush()
		},
	})
	return cmd
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return history.Open(cmd.Context(), cfg.History.Path, cfg.History.MaxRecords)
}
