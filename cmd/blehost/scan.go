package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blehost/internal/bridge"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/platform"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Run a single scan through the bridge and print the discovered devices.

Filters match the searchForBleDevicesWithFilter request: address, exact name and
advertised service UUID.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanAddress  string
	scanName     string
	scanService  string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVar(&scanAddress, "address", "", "Only report this address")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Only report devices advertising this exact name")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", "", "Only report devices advertising this service UUID")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	if scanService != "" {
		if _, err := device.ValidateUUID(scanService); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	cmd.SilenceUsage = true

	duration := cfg.ScanDuration
	if scanDuration > 0 {
		duration = scanDuration
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}

	devices, err := scan(ctx, p, duration, platform.ScanFilter{
		Address:     scanAddress,
		Name:        scanName,
		ServiceUUID: scanService,
	}, logger)
	if err != nil {
		return err
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices)
}

// scanSink waits for the searchStop envelope that ends one scan.
type scanSink struct {
	requestID string
	once      sync.Once
	done      chan *envelope.Envelope
}

func (s *scanSink) Send(env *envelope.Envelope) error {
	if env.RequestID == s.requestID && env.Command == envelope.CmdSearchStop {
		s.once.Do(func() { s.done <- env })
	}
	return nil
}

// scan runs one search on p and returns what it found. Cancelling ctx ends the scan early.
func scan(ctx context.Context, p platform.Platform, duration time.Duration, filter platform.ScanFilter, logger *logrus.Logger) ([]device.DiscoveredDevice, error) {
	sink := &scanSink{requestID: uuid.NewString(), done: make(chan *envelope.Envelope, 1)}

	b := bridge.New(p, sink, logger, bridge.Options{ScanDuration: duration})
	b.Start(ctx)
	defer func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("Bridge closed with errors")
		}
	}()

	if err := b.SearchFiltered(sink.requestID, duration, filter); err != nil {
		return nil, err
	}

	select {
	case env := <-sink.done:
		if env.HasError && env.ErrorMessage != nil {
			return nil, errors.New(*env.ErrorMessage)
		}
	case <-ctx.Done():
		logger.Debug("Scan interrupted")
	}
	return b.Discovered(), nil
}

func displayDevicesTable(out io.Writer, devices []device.DiscoveredDevice) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 64))

	for _, d := range devices {
		name := d.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", name, d.Address, rssiColor(d.RSSI).Sprintf("%d dBm", d.RSSI), lastSeen)
	}
	return w.Flush()
}

func rssiColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
