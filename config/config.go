// Package config loads settings from the environment and from setup.cfg or
// .autotest files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v6"
	"gopkg.in/ini.v1"
)

// Backend names accepted in CAN_DRIVER.
const (
	DriverVector    = "vector"
	DriverVirtual   = "virtual"
	DriverSocketCAN = "socketcan"
	DriverSLCAN     = "slcan"
)

// DefaultBaudRate is used when CAN_BAUD_RATE is not set and nobody is asked.
const DefaultBaudRate = 500000

var (
	// FileNames are the configuration files looked for in every directory.
	FileNames = []string{"setup.cfg", ".autotest"}
	// Sections are the file sections that hold variables.
	Sections = []string{"autotest", "CPP_AUTOTEST"}
)

// Env holds every variable the program reads. Channel and BaudRate are 0
// when unset.
type Env struct {
	Channel     int    `env:"PORT_CAN"`
	DBCPath     string `env:"DBC_PATH"`
	BaudRate    int    `env:"CAN_BAUD_RATE"`
	Driver      string `env:"CAN_DRIVER"`
	SerialPort  string `env:"CAN_SERIAL_PORT"`
	LogLevel    string `env:"VXL_LOG_LEVEL" envDefault:"info"`
	LogDir      string `env:"VXL_LOG_DIR"`
	MetricsAddr string `env:"VXL_METRICS_ADDR"`
	InitFile    string `env:"VXL_INIT_FILE"`
}

// DefaultDriver is vector on Windows, where the XL library exists, and
// virtual everywhere else.
func DefaultDriver() string {
	if runtime.GOOS == "windows" {
		return DriverVector
	}
	return DriverVirtual
}

// Dirs returns the working, home and executable directories.
func Dirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

// LoadFiles copies variables from the configuration files found in dirs into
// the environment. Names are upper-cased and never replace a variable that
// is already set. The files read are returned.
func LoadFiles(dirs []string) ([]string, error) {
	var loaded []string
	for _, dir := range dirs {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if fi, err := os.Stat(path); err != nil || fi.IsDir() {
				continue
			}
			if err := loadFile(path); err != nil {
				return loaded, err
			}
			loaded = append(loaded, path)
		}
	}
	return loaded, nil
}

func loadFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("read configuration file %s: %w", path, err)
	}
	for _, name := range Sections {
		sec, err := f.GetSection(name)
		if err != nil {
			continue
		}
		for _, k := range sec.Keys() {
			key := strings.ToUpper(k.Name())
			if os.Getenv(key) != "" {
				continue
			}
			if err := os.Setenv(key, k.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Parse reads Env from the environment.
func Parse() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	if e.LogLevel == "" {
		e.LogLevel = "info"
	}
	if e.Driver == "" {
		e.Driver = DefaultDriver()
	}
	e.Driver = strings.ToLower(e.Driver)
	switch e.Driver {
	case DriverVector, DriverVirtual, DriverSocketCAN, DriverSLCAN:
	default:
		return Env{}, fmt.Errorf("unknown CAN_DRIVER %q", e.Driver)
	}
	return e, nil
}

// Baud returns BaudRate or the default when it is unset.
func (e Env) Baud() int {
	if e.BaudRate == 0 {
		return DefaultBaudRate
	}
	return e.BaudRate
}

// Load applies the configuration files from Dirs and parses the environment.
func Load() (Env, error) {
	if _, err := LoadFiles(Dirs()); err != nil {
		return Env{}, err
	}
	return Parse()
}
