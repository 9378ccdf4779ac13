package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel   = "info"
	DefaultConfigName = "balancectl"
	DefaultEnvPrefix  = "BALANCECTL"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	PIDFile   string          `mapstructure:"pid_file"`
	Loop      LoopConfig      `mapstructure:"loop"`
	I2C       I2CConfig       `mapstructure:"i2c"`
	Gyro      GyroConfig      `mapstructure:"gyro"`
	Accel     AccelConfig     `mapstructure:"accel"`
	Motors    MotorsConfig    `mapstructure:"motors"`
	Balance   BalanceConfig   `mapstructure:"balance"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
}

type LoopConfig struct {
	Frequency           float64       `mapstructure:"frequency"`
	MaxTilt             float64       `mapstructure:"max_tilt"`
	ReadyBand           float64       `mapstructure:"ready_band"`
	CalibrationDuration time.Duration `mapstructure:"calibration_duration"`
}

type I2CConfig struct {
	Bus string `mapstructure:"bus"`
}

type GyroConfig struct {
	Address   uint16  `mapstructure:"address"`
	Frequency int     `mapstructure:"frequency"`
	Bandwidth float64 `mapstructure:"bandwidth"`
	Filter    float64 `mapstructure:"filter"`
}

type AccelConfig struct {
	Address   uint16  `mapstructure:"address"`
	Frequency int     `mapstructure:"frequency"`
	Filter    float64 `mapstructure:"filter"`
}

type MotorPins struct {
	PWM string `mapstructure:"pwm"`
	In1 string `mapstructure:"in1"`
	In2 string `mapstructure:"in2"`
}

type MotorsConfig struct {
	Left         MotorPins `mapstructure:"left"`
	Right        MotorPins `mapstructure:"right"`
	PWMFrequency int       `mapstructure:"pwm_frequency"`
}

type Gains struct {
	P float64 `mapstructure:"p"`
	I float64 `mapstructure:"i"`
	D float64 `mapstructure:"d"`
	G float64 `mapstructure:"g"`
}

type BumpConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Delay     time.Duration `mapstructure:"delay"`
	Gain      float64       `mapstructure:"gain"`
	Step      float64       `mapstructure:"step"`
	Len       time.Duration `mapstructure:"len"`
}

type BalanceConfig struct {
	GyroWeight float64    `mapstructure:"gyro_weight"`
	DeadBand   float64    `mapstructure:"dead_band"`
	PIDInner   Gains      `mapstructure:"pid_inner"`
	PIDOuter   Gains      `mapstructure:"pid_outer"`
	Bump       BumpConfig `mapstructure:"bump"`
}

type TelemetryConfig struct {
	Port          int           `mapstructure:"port"`
	ClientBuffer  int           `mapstructure:"client_buffer"`
	History       time.Duration `mapstructure:"history"`
	WebSocketAddr string        `mapstructure:"websocket_addr"`
}

type ArchiveConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type MQTTConfig struct {
	Broker        string        `mapstructure:"broker"`
	ClientID      string        `mapstructure:"client_id"`
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("pid_file", "balancectl.pid")

	v.SetDefault("loop.frequency", 200.0)
	v.SetDefault("loop.max_tilt", 45.0)
	v.SetDefault("loop.ready_band", 4.0)
	v.SetDefault("loop.calibration_duration", 2*time.Second)

	v.SetDefault("i2c.bus", "1")

	v.SetDefault("gyro.address", 0x69)
	v.SetDefault("gyro.frequency", 200)
	v.SetDefault("gyro.bandwidth", 50)
	v.SetDefault("gyro.filter", 0.3)

	v.SetDefault("accel.address", 0x53)
	v.SetDefault("accel.frequency", 200)
	v.SetDefault("accel.filter", 0.5)

	v.SetDefault("motors.left.pwm", "GPIO20")
	v.SetDefault("motors.left.in1", "GPIO5")
	v.SetDefault("motors.left.in2", "GPIO6")
	v.SetDefault("motors.right.pwm", "GPIO26")
	v.SetDefault("motors.right.in1", "GPIO13")
	v.SetDefault("motors.right.in2", "GPIO19")
	v.SetDefault("motors.pwm_frequency", 8000)

	v.SetDefault("balance.gyro_weight", 0.95)
	v.SetDefault("balance.dead_band", 0.0001)
	for _, loop := range []string{"pid_inner", "pid_outer"} {
		v.SetDefault("balance."+loop+".p", 0.75)
		v.SetDefault("balance."+loop+".i", 0.2)
		v.SetDefault("balance."+loop+".d", 0.05)
		v.SetDefault("balance."+loop+".g", 1.0)
	}
	v.SetDefault("balance.bump.threshold", 0.5)
	v.SetDefault("balance.bump.delay", 50*time.Millisecond)
	v.SetDefault("balance.bump.gain", 0.1)
	v.SetDefault("balance.bump.step", 0.05)
	v.SetDefault("balance.bump.len", 100*time.Millisecond)

	v.SetDefault("telemetry.port", 1860)
	v.SetDefault("telemetry.client_buffer", 1024)
	v.SetDefault("telemetry.history", 60*time.Second)
	v.SetDefault("telemetry.websocket_addr", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.db_path", "/var/lib/balancectl/telemetry.db")
	v.SetDefault("archive.batch_size", 200)
	v.SetDefault("archive.batch_timeout", time.Second)

	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "balancectl")
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.retry_interval", 5*time.Second)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(DefaultConfigName, pflag.ContinueOnError)
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("i2c-bus", "1", "I2C bus carrying the gyro and accelerometer")
	fs.Int("telemetry-port", 1860, "TCP port of the telemetry server")
	fs.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	fs.Bool("archive", false, "Persist telemetry records to sqlite")
	fs.String("websocket-addr", "", "Listen address of the websocket telemetry relay")

	return fs
}

var flagKeys = map[string]string{
	"log-level":      "log_level",
	"i2c-bus":        "i2c.bus",
	"telemetry-port": "telemetry.port",
	"mqtt-broker":    "mqtt.broker",
	"archive":        "archive.enabled",
	"websocket-addr": "telemetry.websocket_addr",
}

// Load reads configuration from defaults, the config file, environment
// and command line flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		envPrefix: DefaultEnvPrefix,
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if configPath == "" {
		configPath, _ = fs.GetString("config")
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath("/etc/balancectl")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that the rest of the program relies on.
func (c *Config) Validate() error {
	errFactory := errors.New()
	invalid := func(field string, value any) error {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value any
		}{field, value})
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch {
	case c.Loop.Frequency <= 0:
		return invalid("loop.frequency", c.Loop.Frequency)
	case c.Loop.ReadyBand <= 0:
		return invalid("loop.ready_band", c.Loop.ReadyBand)
	case c.Loop.MaxTilt <= c.Loop.ReadyBand:
		return invalid("loop.max_tilt", c.Loop.MaxTilt)
	case c.Loop.CalibrationDuration <= 0:
		return invalid("loop.calibration_duration", c.Loop.CalibrationDuration)
	case c.Balance.GyroWeight < 0 || c.Balance.GyroWeight > 1:
		return invalid("balance.gyro_weight", c.Balance.GyroWeight)
	case c.Gyro.Filter <= 0 || c.Gyro.Filter > 1:
		return invalid("gyro.filter", c.Gyro.Filter)
	case c.Accel.Filter <= 0 || c.Accel.Filter > 1:
		return invalid("accel.filter", c.Accel.Filter)
	case c.Motors.PWMFrequency <= 0:
		return invalid("motors.pwm_frequency", c.Motors.PWMFrequency)
	case c.Telemetry.Port <= 0 || c.Telemetry.Port > 65535:
		return invalid("telemetry.port", c.Telemetry.Port)
	case c.Telemetry.ClientBuffer <= 0:
		return invalid("telemetry.client_buffer", c.Telemetry.ClientBuffer)
	case c.MQTT.RetryInterval <= 0:
		return invalid("mqtt.retry_interval", c.MQTT.RetryInterval)
	case c.Archive.Enabled && c.Archive.DBPath == "":
		return invalid("archive.db_path", c.Archive.DBPath)
	}

	return nil
}
