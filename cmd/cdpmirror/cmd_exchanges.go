package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cdpmirror/internal/config"
	"cdpmirror/internal/storage"
)

var exchangesCmd = &cobra.Command{
	Use:   "exchanges",
	Short: "List recently recorded exchanges from the journal",
	RunE:  runExchanges,
}

func init() {
	exchangesCmd.Flags().IntP("limit", "n", 20, "number of records to show")
	rootCmd.AddCommand(exchangesCmd)
}

// loadStorageConfig 只读取记录时不要求映射配置
func loadStorageConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Read(path)
	if err == nil {
		err = cfg.ValidateStorage()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	return cfg, nil
}

func runExchanges(cmd *cobra.Command, args []string) error {
	cfg, err := loadStorageConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.RecentExchanges(context.Background(), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRESULT\tTYPE\tSTATUS\tIN\tOUT\tMS\tURL")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.Result, r.ResourceType,
			r.StatusCode, r.BytesIn, r.BytesOut, r.DurationMs, r.URL)
	}
	return w.Flush()
}
