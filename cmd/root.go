package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "quote-extract",
	Short: "Extract structured quotations from spreadsheet workbooks",
	Long:  "Classifies and chunks workbook sheets, extracts typed quotation records through tiered inference models with response recovery, and merges them into one document.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
