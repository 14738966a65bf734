package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/warcrec/pkg/cdp"
	"github.com/getmockd/warcrec/pkg/cli/internal/output"
	"github.com/getmockd/warcrec/pkg/config"
	"github.com/getmockd/warcrec/pkg/metrics"
)

var (
	captureDevToolsURL string
	captureTarget      string
	captureNavigate    string
	captureDuration    time.Duration
	captureEventsLog   string
	captureMetricsAddr string
	captureArchive     archiveFlags
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a live browser page (foreground, Ctrl+C to stop)",
	Long: `Attach to a page of a running Chromium browser and archive its network
traffic until Ctrl+C, --duration, or the page closes.

Start the browser with remote debugging enabled, for example:

  chromium --remote-debugging-port=9222

Use --events-log to keep the raw protocol events; 'warcrec build' can rebuild
the archive from that log later.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, applyCaptureFlags)
		if err != nil {
			return err
		}
		defer env.close()
		cfg := env.cfg

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if captureDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, captureDuration)
			defer cancel()
		}

		sess, err := cdp.Connect(ctx, cfg.DevTools.URL, cdp.ConnectOptions{
			Target:  cfg.DevTools.Target,
			Timeout: cfg.DevTools.Timeout,
			Client:  cdp.ClientOptions{Logger: env.log},
		})
		if err != nil {
			return fmt.Errorf("connect to %s: %w", cfg.DevTools.URL, err)
		}
		defer func() { _ = sess.Client.Close() }()

		var eventLog *cdp.EventLog
		if captureEventsLog != "" {
			f, err := os.Create(captureEventsLog)
			if err != nil {
				return fmt.Errorf("create events log: %w", err)
			}
			// Deferred calls run in reverse, so the client is closed here
			// first and no late event reaches a closed log.
			defer func() {
				_ = sess.Client.Close()
				_ = f.Close()
			}()
			eventLog = cdp.NewEventLog(f)
		}

		source := cdp.NewSource(sess.Client, cdp.SourceOptions{
			Logger:          env.log,
			EventLog:        eventLog,
			MaxPostDataSize: cfg.Capture.MaxPostDataSize,
		})
		userAgent := ""
		if sess.Version != nil {
			userAgent = sess.Version.UserAgent
		}
		p, err := newPipeline(env, &captureArchive, pipelineOptions{bodies: source, userAgent: userAgent})
		if err != nil {
			return err
		}

		if cfg.Metrics.Addr != "" {
			if err := serveMetrics(ctx, env, p.registry, cfg.Metrics.Addr); err != nil {
				_, _ = p.finish(time.Second)
				return err
			}
		}

		if err := source.Start(ctx, p.capturer); err != nil {
			source.Stop()
			_, _ = p.finish(time.Second)
			return err
		}
		env.log.Info("capturing", "target", sess.Target.URL, "session", p.session.Name)

		if captureNavigate != "" {
			if _, err := cdp.Navigate(ctx, sess.Client, captureNavigate); err != nil {
				output.Warn(env.stderr, "navigate to %s: %v", captureNavigate, err)
			}
		}

		select {
		case <-ctx.Done():
		case <-sess.Client.Done():
			if err := sess.Client.Err(); err != nil && !errors.Is(err, cdp.ErrClosed) {
				env.log.Warn("browser connection lost", "error", err)
			}
		}
		env.log.Info("stopping capture, archiving pending exchanges")
		source.Stop()

		summary, err := p.finish(cfg.Capture.BodyTimeout + cfg.Capture.FallbackTimeout)
		if perr := printSummary(env.stdout, summary); perr != nil {
			return perr
		}
		return err
	},
}

func applyCaptureFlags(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("devtools-url") {
		setFromFlag(cfg, "devtools.url", &cfg.DevTools.URL, captureDevToolsURL)
	}
	if fs.Changed("target") {
		setFromFlag(cfg, "devtools.target", &cfg.DevTools.Target, captureTarget)
	}
	if fs.Changed("metrics-addr") {
		setFromFlag(cfg, "metrics.addr", &cfg.Metrics.Addr, captureMetricsAddr)
	}
	captureArchive.apply(cmd, cfg)
}

// serveMetrics exposes the registry until ctx ends.
func serveMetrics(ctx context.Context, env *runEnv, registry *metrics.Registry, addr string) error {
	srv, err := metrics.Listen(addr, registry, env.log)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	collector := metrics.NewRuntimeCollector(registry)
	stopCollector := collector.Start(10 * time.Second)
	go func() {
		defer stopCollector()
		if err := srv.Serve(ctx); err != nil {
			env.log.Warn("metrics server stopped", "error", err)
		}
	}()
	return nil
}

func init() {
	captureCmd.Flags().StringVar(&captureDevToolsURL, "devtools-url", "", "DevTools HTTP endpoint or page websocket URL")
	captureCmd.Flags().StringVarP(&captureTarget, "target", "t", "", "Page to attach to, by id or URL substring")
	captureCmd.Flags().StringVarP(&captureNavigate, "navigate", "n", "", "Navigate the page to this URL once capturing")
	captureCmd.Flags().DurationVar(&captureDuration, "duration", 0, "Stop after this long (0 waits for Ctrl+C)")
	captureCmd.Flags().StringVar(&captureEventsLog, "events-log", "", "Write raw protocol events and bodies to this JSONL file")
	captureCmd.Flags().StringVar(&captureMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	captureArchive.register(captureCmd)
	rootCmd.AddCommand(captureCmd)
}
