package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blehost/internal/bridge"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/transport"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bridge BLE to a host application over stdin/stdout",
	Long: `Run the bridge, reading one JSON request per line from stdin and writing one
JSON envelope per line to stdout. Logs go to stderr.

Once stdin is closed, serve waits for running scans, connects and requests to finish
and for every subscription to be cancelled, then disconnects every device and exits.
Ctrl+C exits at once.`,
	Example: `  blehost serve --backend tinygo --csv-dir ./data
  echo '{"requestId":"1","command":"searchForBleDevices","scanDurationMs":5000}' | blehost serve`,
	RunE: runServe,
}

var (
	serveScanDuration time.Duration
	serveCSVDir       string
	serveLogHeartRate bool
)

func init() {
	serveCmd.Flags().DurationVar(&serveScanDuration, "scan-duration", 0, "Default scan duration (overrides config)")
	serveCmd.Flags().StringVar(&serveCSVDir, "csv-dir", "", "Base directory for trial CSV files (overrides config)")
	serveCmd.Flags().BoolVar(&serveLogHeartRate, "log-heart-rate", false, "Append heart rate samples to the open CSV file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	if serveScanDuration > 0 {
		cfg.ScanDuration = serveScanDuration
	}
	if serveCSVDir != "" {
		cfg.CSV.BasePath = serveCSVDir
	}
	if serveLogHeartRate {
		cfg.CSV.LogHeartRate = true
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"backend": cfg.Backend,
		"csv_dir": cfg.CSV.BasePath,
	}).Info("BLE host bridge ready")

	return serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), p, bridgeOptions(cfg), logger)
}

// serve runs a bridge between in/out and p until in is exhausted and the bridge is
// idle, or ctx is cancelled.
func serve(ctx context.Context, in io.Reader, out io.Writer, p platform.Platform, opts bridge.Options, logger *logrus.Logger) (err error) {
	b := bridge.New(p, transport.NewWriter(out, logger), logger, opts)
	b.Start(ctx)
	defer func() {
		if cerr := b.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	// The reader is not part of any group: a blocking stdin read cannot be interrupted.
	readDone := make(chan error, 1)
	groutine.Go(ctx, "host-requests", func(ctx context.Context) {
		readDone <- transport.ReadRequests(ctx, in, func(req transport.Request) {
			// A failed request was already reported to the host.
			_ = b.Dispatch(req)
		}, func(line []byte, err error) {
			logger.WithError(err).WithField("line", string(line)).Warn("Dropping malformed request")
		})
	})

	select {
	case <-ctx.Done():
		logger.Info("Interrupted, shutting down")
		return nil
	case err := <-readDone:
		if err != nil {
			return err
		}
	}

	logger.Info("Host closed the request stream, waiting for outstanding requests")
	if err := b.WaitIdle(ctx); err != nil {
		logger.Info("Interrupted, shutting down")
		return nil
	}
	logger.Info("Bridge idle, shutting down")
	return nil
}
