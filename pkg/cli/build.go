package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/getmockd/warcrec/pkg/cdp"
)

var (
	buildOutput  string
	buildArchive archiveFlags
)

var buildCmd = &cobra.Command{
	Use:   "build <events.jsonl>",
	Short: "Build a WARC archive from a recorded events log",
	Long: `Replay an events log written by 'warcrec capture --events-log' and archive
it exactly as a live capture would, without a browser.

With --output the archive is a single file ("-" writes to stdout); otherwise
rotating files are written to the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, buildArchive.apply)
		if err != nil {
			return err
		}
		defer env.close()

		in, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open events log: %w", err)
		}
		replay, err := cdp.NewReplaySource(in, env.log)
		_ = in.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		opts := pipelineOptions{bodies: replay}
		summaryOut := env.stdout
		switch buildOutput {
		case "":
		case "-":
			// The archive owns stdout; the summary goes to stderr.
			opts.stream = struct{ io.Writer }{env.stdout}
			opts.streamName = "stdout"
			summaryOut = env.stderr
		default:
			f, err := os.Create(buildOutput)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			opts.stream = f
			opts.streamName = filepath.Base(buildOutput)
		}

		p, err := newPipeline(env, &buildArchive, opts)
		if err != nil {
			if c, ok := opts.stream.(io.Closer); ok {
				_ = c.Close()
			}
			return err
		}
		env.log.Debug("replaying events", "events", replay.Len(), "source", args[0])
		runErr := replay.Run(cmd.Context(), p.capturer)

		summary, err := p.finish(env.cfg.Capture.BodyTimeout)
		if perr := printSummary(summaryOut, summary); perr != nil {
			return perr
		}
		if runErr != nil {
			return runErr
		}
		return err
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", `Write one WARC file here ("-" for stdout)`)
	buildArchive.register(buildCmd)
	rootCmd.AddCommand(buildCmd)
}
