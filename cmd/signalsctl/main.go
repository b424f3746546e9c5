// Command signalsctl is a small operator CLI over the Snapshot Store,
// for inspecting state without going through the Read API (e.g. from a
// deploy host that only has DATABASE_URL/LOCAL_DB_PATH, not network
// access to the running signalsd process). Grounded on the teacher's
// cobra subcommand style (cmd/cryptorun/main.go's root command plus
// per-concern subcommands).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/store"
	"github.com/sawpanic/signalsd/internal/store/localstore"
	"github.com/sawpanic/signalsd/internal/store/postgres"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signalsctl",
		Short: "Inspect the signalsd snapshot store",
	}

	rootCmd.AddCommand(latestCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(reputationCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (store.Store, error) {
	cfg := config.LoadRuntimeConfig()
	if cfg.UsePostgres() {
		return postgres.Open(cfg.PostgresDSN)
	}
	return localstore.Open(cfg.LocalDBPath)
}

func latestCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the latest envelope for a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			row, err := st.LoadLatest(context.Background(), agent)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("no envelope stored for %q", agent)
			}
			_, err = os.Stdout.Write(append(row.Envelope, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "signal_fusion", "stream name (e.g. whale_agent, signal_fusion)")
	return cmd
}

func historyCmd() *cobra.Command {
	var agent string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Page through a stream's stored envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.LoadHistory(context.Background(), agent, limit, offset)
			if err != nil {
				return err
			}
			// store.StreamRow.Envelope is a plain []byte holding already-
			// canonical JSON; json.RawMessage (unlike []byte) marshals as
			// itself instead of a base64 string.
			display := make([]struct {
				ID        int64           `json:"id"`
				Timestamp interface{}     `json:"timestamp"`
				Envelope  json.RawMessage `json:"envelope"`
			}, len(rows))
			for i, row := range rows {
				display[i].ID = row.ID
				display[i].Timestamp = row.Timestamp
				display[i].Envelope = row.Envelope
			}
			return printJSON(display)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "signal_fusion", "stream name")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func reputationCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "reputation",
		Short: "Print the accuracy reduction over the last N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.LoadAccuracyStats(context.Background(), days)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "lookback window in days")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
