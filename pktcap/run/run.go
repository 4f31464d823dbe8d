package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/netcap-toolbox/pktcap/capture"
	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
	"github.com/go-appsec/netcap-toolbox/pktcap/logging"
	"github.com/go-appsec/netcap-toolbox/pktcap/service"
	"github.com/go-appsec/netcap-toolbox/pktcap/util"
)

const (
	observerBuffer  = 1024
	detailsMaxWidth = 60
	timestampFormat = "15:04:05.000"
	protocolWidth   = 5
)

func run(cfg *config.Config, opts options) error {
	logger, err := logging.New(cfg.Log, logging.Options{Console: os.Stderr, File: cfg.LogFile()})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	observer := capture.NewChannelObserver(observerBuffer)
	svc, err := service.New(cfg, logger.Logger, service.Options{Observer: observer})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printPackets(ctx, os.Stdout, observer.Packets, observer.Counts, opts.quiet)
	}()

	runErr := svc.Run(ctx)
	cancel()
	<-printed

	if runErr != nil {
		return runErr
	}
	if opts.summary > 0 {
		if err := printSummary(os.Stdout, svc.History(), opts.summary); err != nil {
			return err
		}
	}
	printHealth(os.Stdout, svc.Health(), observer.Dropped())
	return nil
}

// printPackets writes one line per packet until ctx is done. Count updates
// are drained so they keep flowing; the final total comes from the health
// report.
func printPackets(ctx context.Context, w io.Writer, packets <-chan capture.CapturedPacket, counts <-chan uint64, quiet bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-counts:
		case p := <-packets:
			if !quiet {
				_, _ = fmt.Fprintln(w, formatPacketLine(p))
			}
		}
	}
}

func formatPacketLine(p capture.CapturedPacket) string {
	pad := strings.Repeat(" ", max(0, protocolWidth-len(p.Protocol)))
	line := fmt.Sprintf("%s %s%s %s -> %s",
		cliutil.Muted(p.Timestamp.Format(timestampFormat)),
		cliutil.FormatProtocol(p.Protocol), pad,
		capture.Endpoint(p.Source, p.SourcePort),
		capture.Endpoint(p.Destination, p.DestinationPort))
	if p.Details != "" {
		line += " " + p.Details
	}
	return line + cliutil.Muted(fmt.Sprintf(" (%d bytes)", p.Length))
}

func printSummary(w io.Writer, history *capture.History, limit int) error {
	packets, err := history.Recent(limit)
	if err != nil {
		return fmt.Errorf("reading capture history: %w", err)
	}
	if len(packets) == 0 {
		cliutil.NoResults(w, "No packets captured.")
		return nil
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Time", "Protocol", "Source", "Destination", "Length", "Details"})
	t.SetRowPainter(cliutil.ProtocolRowPainter(1))
	for _, p := range packets {
		t.AppendRow(table.Row{
			p.Timestamp.Format(timestampFormat),
			p.Protocol,
			capture.Endpoint(p.Source, p.SourcePort),
			capture.Endpoint(p.Destination, p.DestinationPort),
			p.Length,
			util.TruncateString(p.Details, detailsMaxWidth),
		})
	}
	t.Render()
	retained := history.Len()
	cliutil.Summary(w, retained, "packet retained", "packets retained")
	if retained >= history.Limit() {
		cliutil.Hint(w, fmt.Sprintf("History is full and keeps the newest %d packets.", history.Limit()))
	}
	return nil
}

func printHealth(w io.Writer, health service.Health, dropped uint64) {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, cliutil.Bold("Session"))
	if health.StartedAt != "" {
		if started, err := time.Parse(time.RFC3339, health.StartedAt); err == nil {
			_, _ = fmt.Fprintf(w, "Duration: %s\n", time.Since(started).Round(time.Second))
		}
	}
	if health.Device != "" {
		_, _ = fmt.Fprintf(w, "Capture: %s (%s)\n", health.CaptureState, health.Device)
	} else {
		_, _ = fmt.Fprintf(w, "Capture: %s\n", health.CaptureState)
	}

	keys := bulk.MapKeysSlice(health.Metrics)
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s: %s\n", k, health.Metrics[k])
	}
	if dropped > 0 {
		_, _ = fmt.Fprintln(w, cliutil.Warning(fmt.Sprintf("%d packets not printed (output too slow)", dropped)))
	}
}
