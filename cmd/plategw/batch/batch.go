package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/batch"
	"github.com/cozy-creator/plate-gateway/internal/config"
	"github.com/cozy-creator/plate-gateway/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:   "batch",
	Short: "Blur every image of a zip archive through an inference backend",
	RunE:  runBatch,
}

func init() {
	flags := Cmd.Flags()

	flags.StringP("input", "i", "", "Zip archive to process")
	flags.StringP("output", "o", "", "Where to write the blurred archive (default: <input>-blurred.zip)")
	flags.String("backend-url", "", "Base URL of the inference backend (default: the configured backend)")
	flags.Int("concurrency", 0, "Images processed at once (default: batch.concurrency)")
	flags.Bool("json", false, "Print the job summary as JSON")

	Cmd.MarkFlagRequired("input")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	input, _ := flags.GetString("input")
	output, _ := flags.GetString("output")
	backendURL, _ := flags.GetString("backend-url")
	concurrency, _ := flags.GetInt("concurrency")
	asJSON, _ := flags.GetBool("json")

	cfg, err := config.LoadConfig(false)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	if backendURL == "" {
		backendURL = cfg.BackendURL()
	}
	if concurrency <= 0 {
		concurrency = cfg.Batch.Concurrency
	}
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + "-blurred.zip"
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	b, err := backend.NewHTTPBackend(backendURL, backend.WithTimeout(cfg.Backend.ProxyTimeout), backend.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	progress := mpb.NewWithContext(ctx,
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
		mpb.WithOutput(cmd.ErrOrStderr()),
	)

	var bar *mpb.Bar
	pipeline := batch.NewPipeline(batch.NewBackendProcessor(b),
		batch.WithConcurrency(concurrency),
		batch.WithMaxExtractedSize(cfg.Limits.MaxExtractedSize),
		batch.WithItemTimeout(cfg.Backend.ProxyTimeout),
		batch.WithLogger(log),
		batch.WithStart(func(total int) {
			bar = progress.AddBar(int64(total),
				mpb.PrependDecorators(
					decor.Name(filepath.Base(input), decor.WC{W: 30, C: decor.DidentRight}),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(
					decor.Percentage(decor.WC{W: 5}),
					decor.Name(" "),
					decor.Elapsed(decor.ET_STYLE_GO),
				),
			)
		}),
		batch.WithProgress(func(*batch.Item) {
			bar.Increment()
		}),
	)

	res, err := pipeline.ProcessArchive(ctx, data)
	progress.Wait()

	if err != nil && !errors.Is(err, batch.ErrNoSuccesses) {
		return err
	}

	summary := res.Job.Summary()
	if err == nil {
		if werr := os.WriteFile(output, res.Archive, 0644); werr != nil {
			return fmt.Errorf("failed to write archive: %w", werr)
		}
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(summary); jerr != nil {
			return jerr
		}
	} else {
		printSummary(cmd, summary.JobID, summary.Attempted, summary.Succeeded, res.Job.FailedNames())
		if err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
		}
	}

	if err != nil {
		log.Warn("no image was blurred", zap.String("job_id", summary.JobID))
		return err
	}

	return nil
}

func printSummary(cmd *cobra.Command, jobID string, attempted, succeeded int, failed []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s: %d/%d images blurred\n", jobID, succeeded, attempted)
	for _, name := range failed {
		fmt.Fprintf(out, "  failed: %s\n", name)
	}
}
