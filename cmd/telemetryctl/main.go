package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/balancectl/internal/balance"
	"codeberg.org/mutker/balancectl/internal/logger"
	"codeberg.org/mutker/balancectl/internal/telemetry"
	"github.com/spf13/pflag"
)

type options struct {
	host     string
	port     int
	stream   string
	from     float64
	to       float64
	last     time.Duration
	collect  time.Duration
	fields   []string
	out      string
	logLevel string
}

func parseFlags() options {
	var o options

	fs := pflag.NewFlagSet("telemetryctl", pflag.ExitOnError)
	fs.StringVar(&o.host, "host", "127.0.0.1", "Telemetry server host")
	fs.IntVar(&o.port, "port", telemetry.DefaultPort, "Telemetry server port")
	fs.StringVar(&o.stream, "stream", balance.StreamName, "Stream to export")
	fs.Float64Var(&o.from, "from", 0, "Start of the range as a unix timestamp")
	fs.Float64Var(&o.to, "to", 0, "End of the range as a unix timestamp (default now)")
	fs.DurationVar(&o.last, "last", 10*time.Second, "Range length when --from is not set")
	fs.DurationVar(&o.collect, "collect", 0, "Collect live records for this long and export them")
	fs.StringSliceVar(&o.fields, "fields", nil, "Fields to export (default all)")
	fs.StringVarP(&o.out, "out", "o", "", "Output file (default stdout)")
	fs.StringVar(&o.logLevel, "log-level", "warning", "Log level (debug, info, warning, error)")
	_ = fs.Parse(os.Args[1:])

	return o
}

func main() {
	o := parseFlags()

	if err := logger.InitWithWriter(os.Stderr, o.logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, o); err != nil {
		logger.Error().Err(err).Msg("export failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	addr := net.JoinHostPort(o.host, strconv.Itoa(o.port))
	client, err := telemetry.Dial(ctx, addr, telemetry.DefaultClientConfig(), logger.Default())
	if err != nil {
		return err
	}
	defer client.Close()

	schema, err := waitSchema(ctx, client, o.stream)
	if err != nil {
		return err
	}

	from, to := o.from, o.to
	if o.collect > 0 {
		from, to = collect(ctx, client, o.collect)
	} else {
		if to == 0 {
			to = unixSeconds(time.Now())
		}
		if from == 0 {
			from = to - o.last.Seconds()
		}
	}

	var records []telemetry.Record
	retrieveErr := client.Retrieve(ctx, o.stream, from, to, func(r telemetry.Record) error {
		records = append(records, r)
		return nil
	})
	if retrieveErr != nil {
		// cached records are still exported
		logger.Warn().Err(retrieveErr).Int("records", len(records)).Msg("Range only partially retrieved")
	}

	w, closeOut, err := output(o.out)
	if err != nil {
		return err
	}
	defer closeOut()

	if err := telemetry.ExportCSV(w, schema, records, o.fields); err != nil {
		return err
	}

	logger.Info().
		Str("stream", o.stream).
		Int("records", len(records)).
		Int64("fetches", client.FetchCount()).
		Msg("Export complete")

	return retrieveErr
}

func waitSchema(ctx context.Context, client *telemetry.Client, name string) (*telemetry.Schema, error) {
	ctx, cancel := context.WithTimeout(ctx, telemetry.DefaultClientConfig().FetchTimeout)
	defer cancel()

	schema, err := client.WaitStreamDefinition(ctx, name)
	if err != nil {
		names := make([]string, 0)
		for _, s := range client.Streams() {
			names = append(names, s.Name())
		}
		logger.Error().Str("stream", name).Str("available", strings.Join(names, ",")).Msg("Stream not announced")

		return nil, err
	}

	return schema, nil
}

func collect(ctx context.Context, client *telemetry.Client, d time.Duration) (from, to float64) {
	from = unixSeconds(time.Now())
	client.Start()

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}

	client.Stop()

	return from, unixSeconds(time.Now())
}

func output(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}

	return f, func() {
		if err := f.Close(); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("failed to close output")
		}
	}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	cancel()
}
