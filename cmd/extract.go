package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/fetcher"
	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/workbook"
)

var (
	extractFile string
	extractURL  string
	extractUser string
	extractOut  string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract a quotation document from one workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initExtract(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		source, sheets, err := loadWorkbook(ctx, extractFile, extractURL, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}))
		if err != nil {
			return err
		}

		user := extractUser
		if user == "" {
			user = cfg.Usage.UserID
		}

		doc, run, err := env.Runner.Run(ctx, source, user, sheets, func(stage string) {
			zap.L().Info(stage)
		})
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		if run != nil {
			zap.L().Info("extraction complete",
				zap.String("run_id", run.ID),
				zap.Int("calls", run.Usage.Calls),
				zap.Float64("cost_usd", run.Usage.Cost),
			)
		}

		if extractOut == "" {
			return writeDocument(os.Stdout, doc)
		}
		f, err := os.Create(extractOut)
		if err != nil {
			return eris.Wrap(err, "create output")
		}
		defer f.Close() //nolint:errcheck
		return writeDocument(f, doc)
	},
}

// loadWorkbook reads the workbook from a local path or downloads it, and
// returns the source name recorded on the run.
func loadWorkbook(ctx context.Context, path, rawURL string, f fetcher.Fetcher) (string, []model.SheetText, error) {
	if rawURL == "" {
		sheets, err := workbook.Open(path)
		return filepath.Base(path), sheets, err
	}
	dl, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}
	sheets, err := workbook.Read(bytes.NewReader(dl.Data), dl.Name)
	if err != nil {
		return "", nil, err
	}
	return dl.Name, sheets, nil
}

// writeDocument writes doc as indented JSON.
func writeDocument(w io.Writer, doc *model.AggregateDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func init() {
	extractCmd.Flags().StringVar(&extractFile, "file", "", "workbook path (.xlsx, .xlsm, .csv)")
	extractCmd.Flags().StringVar(&extractUser, "user", "", "user attributed in the usage ledger (default from config)")
	extractCmd.Flags().StringVar(&extractOut, "out", "", "write the document to this file instead of stdout")
	extractCmd.Flags().StringVar(&extractURL, "url", "", "download the workbook from this http(s) URL")
	extractCmd.MarkFlagsOneRequired("file", "url")
	extractCmd.MarkFlagsMutuallyExclusive("file", "url")
	rootCmd.AddCommand(extractCmd)
}
