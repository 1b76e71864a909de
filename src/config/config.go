package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/mosaicnetworks/stxt/src/common"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultInfoLogFile and DefaultDebugLogFile are written in LogDir, when
	// it is set.
	DefaultInfoLogFile  = "stxt_info.log"
	DefaultDebugLogFile = "stxt_debug.log"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultBindAddr         = "127.0.0.1:1337"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultHeartbeatTimeout = 1000 * time.Millisecond
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultMaxPool          = 2
	DefaultStore            = false
	DefaultGCEvery          = 10
	DefaultUser             = "anonymous"
)

// Config contains all the configuration properties of a stxt node.
type Config struct {
	// DataDir is the top-level directory containing stxt configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogDir, when set, receives info and debug log files in addition to the
	// console output.
	LogDir string `mapstructure:"log-dir"`

	// BindAddr is the local address:port where this node listens for syncs
	// from other peers.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// peers.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// HeartbeatTimeout is the mean period of the gossip timer.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// MaxPool controls how many connections are pooled per target in the gossip
	// routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of sync RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// User is the nick of the local user. It is only used the first time a
	// store is opened; afterwards it must match the stored identity.
	User string `mapstructure:"user"`

	// Password protects the agent records at rest.
	Password string `mapstructure:"password"`

	// GCEvery is the number of gossips between two garbage collections. Zero
	// disables automatic collection.
	GCEvery int `mapstructure:"gc-every"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		BindAddr:         DefaultBindAddr,
		ServiceAddr:      DefaultServiceAddr,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		TCPTimeout:       DefaultTCPTimeout,
		MaxPool:          DefaultMaxPool,
		Store:            DefaultStore,
		DatabaseDir:      DefaultDatabaseDir(),
		User:             DefaultUser,
		GCEvery:          DefaultGCEvery,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level stxt directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// BadgerDir returns the directory of the badger database.
func (c *Config) BadgerDir() string {
	return c.DatabaseDir
}

// Logger returns a formatted logrus Entry, with prefix set to "stxt".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogDir != "" {
			c.logger.Hooks.Add(fileHook(c.logger, c.LogDir))
		}
	}
	return c.logger.WithField("prefix", "stxt")
}

// fileHook writes info and debug lines to files in dir. A level whose file
// cannot be opened is left to the console.
func fileHook(logger *logrus.Logger, dir string) logrus.Hook {
	pathMap := lfshook.PathMap{}

	for level, name := range map[logrus.Level]string{
		logrus.InfoLevel:  DefaultInfoLogFile,
		logrus.DebugLevel: DefaultDebugLogFile,
	} {
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logger.WithField("file", path).Info("Failed to open log file, using default stderr")
			continue
		}
		f.Close()
		pathMap[level] = path
	}

	return lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	)
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level stxt config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Stxt")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Stxt")
		} else {
			return filepath.Join(home, ".stxt")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
