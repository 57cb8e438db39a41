// Package config resolves runtime settings: built-in defaults, then an
// optional YAML file, then MESHTELEM_* environment variables (a .env file
// in the working directory is loaded first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"meshtelem/x/mathx"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix   = "MESHTELEM_"
	EnvFile     = "MESHTELEM_CONFIG"
	DefaultFile = "meshtelem.yaml"
)

type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type Timeouts struct {
	Connect    time.Duration `yaml:"connect"`
	Query      time.Duration `yaml:"query"`
	Disconnect time.Duration `yaml:"disconnect"`
	Settle     time.Duration `yaml:"settle"`
}

type Poll struct {
	Tick           time.Duration `yaml:"tick"`
	SensorInterval time.Duration `yaml:"sensor_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type Sensor struct {
	Bus         string        `yaml:"bus"` // periph bus name, "" = first
	Addresses   []uint16      `yaml:"addresses"`
	SeaLevelHPa float64       `yaml:"sea_level_hpa"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type Log struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
	Level  string `yaml:"level"`
}

type MQTT struct {
	Broker   string `yaml:"broker"` // empty disables publishing
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Config struct {
	Serial   Serial   `yaml:"serial"`
	Timeouts Timeouts `yaml:"timeouts"`
	Poll     Poll     `yaml:"poll"`
	Sensor   Sensor   `yaml:"sensor"`
	Log      Log      `yaml:"log"`
	MQTT     MQTT     `yaml:"mqtt"`
}

func Default() Config {
	return Config{
		Serial: Serial{Port: "/dev/ttyUSB0", Baud: 115200},
		Timeouts: Timeouts{
			Connect:    10 * time.Second,
			Query:      5 * time.Second,
			Disconnect: 5 * time.Second,
			Settle:     2 * time.Second,
		},
		Poll: Poll{
			Tick:           time.Second,
			SensorInterval: 10 * time.Second,
			StatusInterval: 30 * time.Second,
		},
		Sensor: Sensor{
			Addresses:   []uint16{0x76, 0x77},
			SeaLevelHPa: mathx.SeaLevelHPa,
			LockTimeout: 2 * time.Second,
		},
		Log:  Log{Dir: "logs", Prefix: "meshcore", Level: "debug"},
		MQTT: MQTT{ClientID: "meshtelem", Prefix: "meshtelem"},
	}
}

// Load resolves the configuration. path "" means $MESHTELEM_CONFIG or
// meshtelem.yaml; a missing file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path == "" {
		path = DefaultFile
	}

	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalise()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("SERIAL_PORT", &c.Serial.Port)
	if v := getenv(EnvPrefix + "SERIAL_BAUD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSERIAL_BAUD: %w", EnvPrefix, err))
		} else {
			c.Serial.Baud = n
		}
	}
	dur("CONNECT_TIMEOUT", &c.Timeouts.Connect)
	dur("QUERY_TIMEOUT", &c.Timeouts.Query)
	dur("DISCONNECT_TIMEOUT", &c.Timeouts.Disconnect)
	dur("SENSOR_INTERVAL", &c.Poll.SensorInterval)
	dur("STATUS_INTERVAL", &c.Poll.StatusInterval)
	str("I2C_BUS", &c.Sensor.Bus)
	str("LOG_DIR", &c.Log.Dir)
	str("LOG_LEVEL", &c.Log.Level)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_PREFIX", &c.MQTT.Prefix)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	return errors.Join(errs...)
}

// normalise clamps timings into ranges the poll loop can honour.
func (c *Config) normalise() {
	c.Poll.Tick = mathx.Clamp(c.Poll.Tick, 10*time.Millisecond, 10*time.Second)
	c.Poll.SensorInterval = mathx.Clamp(c.Poll.SensorInterval, c.Poll.Tick, time.Hour)
	c.Poll.StatusInterval = mathx.Clamp(c.Poll.StatusInterval, c.Poll.Tick, time.Hour)
	c.Timeouts.Connect = mathx.Clamp(c.Timeouts.Connect, 100*time.Millisecond, 5*time.Minute)
	c.Timeouts.Query = mathx.Clamp(c.Timeouts.Query, 100*time.Millisecond, time.Minute)
	c.Timeouts.Disconnect = mathx.Clamp(c.Timeouts.Disconnect, 100*time.Millisecond, time.Minute)
	c.Timeouts.Settle = mathx.Clamp(c.Timeouts.Settle, 0, time.Minute)
	c.Sensor.LockTimeout = mathx.Clamp(c.Sensor.LockTimeout, 10*time.Millisecond, time.Minute)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.MQTT.Prefix = strings.Trim(c.MQTT.Prefix, "/")
}

func (c Config) Validate() error {
	var errs []error
	if c.Serial.Port == "" {
		errs = append(errs, errors.New("serial.port is empty"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud %d is not positive", c.Serial.Baud))
	}
	for _, a := range c.Sensor.Addresses {
		if !mathx.Between(a, 0x08, 0x77) {
			errs = append(errs, fmt.Errorf("sensor address 0x%02X outside 0x08..0x77", a))
		}
	}
	if c.Sensor.SeaLevelHPa <= 0 {
		errs = append(errs, errors.New("sensor.sea_level_hpa must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	return errors.Join(errs...)
}
