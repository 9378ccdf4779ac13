package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codeberg.org/mutker/balancectl/internal/archive"
	"codeberg.org/mutker/balancectl/internal/balance"
	"codeberg.org/mutker/balancectl/internal/command"
	"codeberg.org/mutker/balancectl/internal/config"
	"codeberg.org/mutker/balancectl/internal/control"
	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	"codeberg.org/mutker/balancectl/internal/motors"
	"codeberg.org/mutker/balancectl/internal/pidfile"
	"codeberg.org/mutker/balancectl/internal/sensors"
	"codeberg.org/mutker/balancectl/internal/telemetry"
)

const (
	shutdownTimeout = 5 * time.Second
	relayBuffer     = 256
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")

	os.Exit(runWithPIDFile(cfg))
}

func runWithPIDFile(cfg *config.Config) int {
	pid := pidfile.New(cfg.PIDFile)
	if err := pid.Write(); err != nil {
		logger.Error().Err(err).Str("path", pid.Path()).Msg("failed to acquire pid file")
		return 1
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		var coded errors.Error
		if errors.As(err, &coded) {
			logger.ErrorWithCode(coded).Msg("balancectl stopped with an error")
		} else {
			logger.Error().Err(err).Msg("balancectl stopped with an error")
		}
		return 1
	}
	logger.Info().Msg("Exiting...")

	return 0
}

// hardware is everything the engine drives.
type hardware struct {
	gyro     balance.GyroDriver
	accel    balance.AccelDriver
	actuator balance.Actuator
}

func run(ctx context.Context, cfg *config.Config) error {
	bus, err := sensors.OpenBus(cfg.I2C.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()

	window := 2 * cfg.Loop.CalibrationDuration
	gyro, err := sensors.NewGyro(bus, sensors.GyroOptions{
		Address:   cfg.Gyro.Address,
		Frequency: cfg.Gyro.Frequency,
		Bandwidth: cfg.Gyro.Bandwidth,
		Filter:    cfg.Gyro.Filter,
		Window:    window,
	})
	if err != nil {
		return err
	}
	accel, err := sensors.NewAccel(bus, sensors.AccelOptions{
		Address:   cfg.Accel.Address,
		Frequency: cfg.Accel.Frequency,
		Filter:    cfg.Accel.Filter,
		Window:    window,
	})
	if err != nil {
		return err
	}

	wheels, err := motors.Open(
		motors.PinNames{PWM: cfg.Motors.Left.PWM, In1: cfg.Motors.Left.In1, In2: cfg.Motors.Left.In2},
		motors.PinNames{PWM: cfg.Motors.Right.PWM, In1: cfg.Motors.Right.In1, In2: cfg.Motors.Right.In2},
		cfg.Motors.PWMFrequency,
	)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, hardware{gyro: gyro, accel: accel, actuator: wheels})
	if err != nil {
		return err
	}
	defer d.close()

	logger.Info().Str("addr", d.server.Addr().String()).Msg("Telemetry server listening")

	if cfg.Telemetry.WebSocketAddr != "" {
		relay := startRelay(ctx, cfg.Telemetry.WebSocketAddr, d.server)
		defer shutdownRelay(relay)
	}

	// paho keeps retrying in the background, so balancing proceeds
	// without a broker
	if err := d.bus.Connect(ctx, d.router); err != nil {
		logger.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("Command bus unavailable")
	}

	logger.Info().
		Float64("frequency", cfg.Loop.Frequency).
		Float64("max_tilt", cfg.Loop.MaxTilt).
		Msg("Control loop starting")

	return d.engine.Run(ctx)
}

// daemon holds the wired components between the drivers and the network.
type daemon struct {
	history archive.Repository
	server  *telemetry.Server
	stream  *telemetry.Stream
	engine  *balance.Engine
	bus     *command.Bus
	router  *command.Router
}

// newDaemon builds the archive, the telemetry server, the engine and the
// command router. The telemetry server is listening on return; the
// command bus is not connected yet.
func newDaemon(cfg *config.Config, hw hardware) (*daemon, error) {
	d := &daemon{}

	history, err := archive.New(archiveConfig(cfg), logger.Default())
	if err != nil {
		return nil, err
	}
	d.history = history

	if err := d.startTelemetry(cfg); err != nil {
		d.close()
		return nil, err
	}

	d.engine, err = balance.New(hw.gyro, hw.accel, hw.actuator, d.stream, engineOptions(cfg))
	if err != nil {
		d.close()
		return nil, err
	}

	d.bus, err = command.NewBus(commandConfig(cfg), logger.Default())
	if err != nil {
		d.close()
		return nil, err
	}
	d.router = command.NewRouter(d.engine, d.bus, cfg.Telemetry.Port, logger.Default())

	return d, nil
}

func (d *daemon) startTelemetry(cfg *config.Config) error {
	server, err := telemetry.NewServer(telemetry.ServerConfig{
		Addr:         ":" + strconv.Itoa(cfg.Telemetry.Port),
		ClientBuffer: cfg.Telemetry.ClientBuffer,
		WriteTimeout: telemetry.DefaultServerConfig().WriteTimeout,
	}, d.history, logger.Default())
	if err != nil {
		return err
	}

	schema, err := balance.NewSchema()
	if err != nil {
		return err
	}
	stream, err := server.RegisterStream(schema)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	d.server = server
	d.stream = stream

	return nil
}

func (d *daemon) close() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close telemetry server")
		}
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close telemetry archive")
		}
	}
}

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		Enabled:      cfg.Archive.Enabled,
		DBPath:       cfg.Archive.DBPath,
		BatchSize:    cfg.Archive.BatchSize,
		BatchTimeout: cfg.Archive.BatchTimeout,
		Window:       cfg.Telemetry.History,
	}
}

func commandConfig(cfg *config.Config) command.Config {
	return command.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: command.DefaultConfig().ConnectTimeout,
		RetryInterval:  cfg.MQTT.RetryInterval,
	}
}

func engineOptions(cfg *config.Config) balance.Options {
	opts := balance.DefaultOptions()
	opts.Frequency = cfg.Loop.Frequency
	opts.MaxTilt = cfg.Loop.MaxTilt
	opts.ReadyBand = cfg.Loop.ReadyBand
	opts.CalibrationDuration = cfg.Loop.CalibrationDuration
	opts.DeadBand = cfg.Balance.DeadBand
	opts.Settings = settingsFromConfig(cfg)
	opts.Logger = logger.Default()

	return opts
}

func settingsFromConfig(cfg *config.Config) balance.Settings {
	gains := func(g config.Gains) control.Gains {
		return control.Gains{P: g.P, I: g.I, D: g.D, G: g.G}
	}

	return balance.Settings{
		GyroFilter:  cfg.Gyro.Filter,
		AccelFilter: cfg.Accel.Filter,
		GyroWeight:  cfg.Balance.GyroWeight,
		Inner:       gains(cfg.Balance.PIDInner),
		Outer:       gains(cfg.Balance.PIDOuter),
		Bump: control.BumpConfig{
			Threshold: cfg.Balance.Bump.Threshold,
			Delay:     cfg.Balance.Bump.Delay,
			Gain:      cfg.Balance.Bump.Gain,
			Step:      cfg.Balance.Bump.Step,
			Len:       cfg.Balance.Bump.Len,
		},
	}
}

func startRelay(ctx context.Context, addr string, server *telemetry.Server) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/telemetry", telemetry.NewWebSocketRelay(server, relayBuffer, logger.Default()))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("WebSocket relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("WebSocket relay failed")
		}
	}()

	return srv
}

func shutdownRelay(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to shut down websocket relay")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
