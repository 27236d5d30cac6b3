package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gpsbridge/internal/datalogger"
	"gpsbridge/internal/serial"
)

type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Serial     SerialConfig     `yaml:"serial"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	DataLogger DataLoggerConfig `yaml:"datalogger"`
	Forward    ForwardConfig    `yaml:"forward"`
	Web        WebConfig        `yaml:"web"`
	LED        LEDConfig        `yaml:"led"`
	Log        LogConfig        `yaml:"log"`
}

// DeviceConfig selects the receiver. Path wins over the USB identifiers.
type DeviceConfig struct {
	Path         string `yaml:"path"`
	VID          string `yaml:"vid"`
	PID          string `yaml:"pid"`
	SerialNumber string `yaml:"serial_number"`
}

type SerialConfig struct {
	Backend              string       `yaml:"backend"`
	Baud                 int          `yaml:"baud"`
	Autobaud             bool         `yaml:"autobaud"`
	DataBits             int          `yaml:"data_bits"`
	Parity               string       `yaml:"parity"`
	StopBits             int          `yaml:"stop_bits"`
	AutobaudFallbackBaud int          `yaml:"autobaud_fallback_baud"`
	InitCommands         []string     `yaml:"init_commands"`
	Replay               ReplayConfig `yaml:"replay"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type SupervisorConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	AutobaudWindow    time.Duration `yaml:"autobaud_window"`
	AutobaudRounds    int           `yaml:"autobaud_rounds"`
}

type DataLoggerConfig struct {
	Enable bool   `yaml:"enable"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

type ForwardConfig struct {
	UDPDest string `yaml:"udp_dest"`
}

type WebConfig struct {
	// Listen is nil when the key is absent, which means the default; an
	// explicit empty string disables the server.
	Listen *string `yaml:"listen"`
}

type LEDConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const DefaultWebListen = ":8080"

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML strictly, then applies defaults and validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %w", err)
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WebListen is the address to serve on, or "" when the server is disabled.
func (c Config) WebListen() string {
	if c.Web.Listen == nil {
		return DefaultWebListen
	}
	return strings.TrimSpace(*c.Web.Listen)
}

// DeviceHandle converts the device section.
func (c Config) DeviceHandle() serial.DeviceHandle {
	return serial.DeviceHandle{
		Path:         strings.TrimSpace(c.Device.Path),
		VID:          strings.TrimSpace(c.Device.VID),
		PID:          strings.TrimSpace(c.Device.PID),
		SerialNumber: strings.TrimSpace(c.Device.SerialNumber),
	}
}

// LineConfig converts the serial section. Call after DefaultAndValidate.
func (c Config) LineConfig() serial.LineConfig {
	parity, _ := serial.ParseParity(c.Serial.Parity)
	return serial.LineConfig{
		BaudRate: c.Serial.Baud,
		AutoBaud: c.Serial.Autobaud,
		DataBits: c.Serial.DataBits,
		Parity:   parity,
		StopBits: serial.StopBits(c.Serial.StopBits),
	}
}

// DefaultAndValidate fills unset values and rejects inconsistent ones.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	// Device.
	d := &cfg.Device
	if (d.VID == "") != (d.PID == "") {
		return errors.New("device.vid and device.pid must be set together")
	}
	if d.SerialNumber != "" && d.VID == "" {
		return errors.New("device.serial_number requires device.vid and device.pid")
	}

	// Serial line.
	s := &cfg.Serial
	backend, err := serial.ParseBackend(s.Backend)
	if err != nil {
		return errors.New("serial.backend must be one of bugst, termios, tarm, replay")
	}
	s.Backend = string(backend)
	if s.Baud == 0 {
		s.Baud = 9600
	}
	if !serial.IsStandardBaudRate(s.Baud) {
		return fmt.Errorf("serial.baud must be one of %s", baudList())
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return errors.New("serial.data_bits must be between 5 and 8")
	}
	if _, err := serial.ParseParity(s.Parity); err != nil {
		return errors.New("serial.parity must be one of none, odd, even")
	}
	if s.Parity == "" {
		s.Parity = "none"
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return errors.New("serial.stop_bits must be 1 or 2")
	}
	if s.AutobaudFallbackBaud != 0 && !serial.IsStandardBaudRate(s.AutobaudFallbackBaud) {
		return fmt.Errorf("serial.autobaud_fallback_baud must be 0 or one of %s", baudList())
	}
	for i, c := range s.InitCommands {
		c = strings.TrimSpace(c)
		if c == "" || c == "$" {
			return fmt.Errorf("serial.init_commands[%d] is empty", i)
		}
		if strings.ContainsAny(c, "\r\n") {
			return fmt.Errorf("serial.init_commands[%d] must be a single line", i)
		}
		s.InitCommands[i] = c
	}
	if backend == serial.BackendReplay {
		if strings.TrimSpace(s.Replay.Path) == "" {
			return errors.New("serial.replay.path is required when serial.backend is replay")
		}
		if s.Replay.Speed == 0 {
			s.Replay.Speed = 1
		}
		if s.Replay.Speed < 0 {
			return errors.New("serial.replay.speed must be > 0")
		}
	}

	// Supervisor.
	sv := &cfg.Supervisor
	if sv.ReconnectInterval == 0 {
		sv.ReconnectInterval = 2 * time.Second
	}
	if sv.ReconnectInterval < 0 {
		return errors.New("supervisor.reconnect_interval must be > 0")
	}
	if sv.AutobaudWindow == 0 {
		sv.AutobaudWindow = 2 * time.Second
	}
	if sv.AutobaudWindow < 0 {
		return errors.New("supervisor.autobaud_window must be > 0")
	}
	if sv.AutobaudRounds == 0 {
		sv.AutobaudRounds = 2
	}
	if sv.AutobaudRounds < 0 {
		return errors.New("supervisor.autobaud_rounds must be > 0")
	}

	// Data logger defaults are safe even if disabled.
	dl := &cfg.DataLogger
	if dl.Format == "" {
		dl.Format = string(datalogger.FormatNMEA)
	}
	format, err := datalogger.ParseFormat(dl.Format)
	if err != nil {
		return errors.New("datalogger.format must be one of raw, nmea, sqlite, track")
	}
	dl.Format = string(format)
	if dl.Dir == "" {
		dl.Dir = "./logs"
	}
	if dl.Prefix == "" {
		dl.Prefix = "gps"
	}
	if strings.ContainsAny(dl.Prefix, `/\`) {
		return errors.New("datalogger.prefix must not contain path separators")
	}

	// Forwarding.
	if dest := strings.TrimSpace(cfg.Forward.UDPDest); dest != "" {
		if _, _, err := net.SplitHostPort(dest); err != nil {
			return errors.New("forward.udp_dest must be host:port")
		}
		cfg.Forward.UDPDest = dest
	}

	// Web.
	if listen := cfg.WebListen(); listen != "" {
		if _, _, err := net.SplitHostPort(listen); err != nil {
			return errors.New("web.listen must be host:port or :port")
		}
	}

	// LED.
	if cfg.LED.Enable && cfg.LED.Pin <= 0 {
		return errors.New("led.pin is required when led.enable is true")
	}

	// Logging.
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		return errors.New("log.level must be one of debug, info, warn, error")
	}
	return nil
}

func baudList() string {
	parts := make([]string, len(serial.StandardBaudRates))
	for i, r := range serial.StandardBaudRates {
		parts[i] = fmt.Sprint(r)
	}
	return strings.Join(parts, ", ")
}
