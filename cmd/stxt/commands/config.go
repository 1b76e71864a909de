package commands

import (
	"github.com/mosaicnetworks/stxt/src/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var _config = config.NewDefaultConfig()

// AddRootFlags adds the flags every command needs to open the local store.
func AddRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.PersistentFlags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.PersistentFlags().String("log-dir", _config.LogDir, "Directory for info and debug log files")

	// Store
	cmd.PersistentFlags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.PersistentFlags().String("db", _config.DatabaseDir, "Dabatabase directory")

	// Identity
	cmd.PersistentFlags().StringP("user", "u", _config.User, "Nick of the local user")
	cmd.PersistentFlags().String("password", _config.Password, "Password protecting the agent records")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":          _config.DataDir,
		"LogLevel":         _config.LogLevel,
		"LogDir":           _config.LogDir,
		"BindAddr":         _config.BindAddr,
		"AdvertiseAddr":    _config.AdvertiseAddr,
		"NoService":        _config.NoService,
		"ServiceAddr":      _config.ServiceAddr,
		"HeartbeatTimeout": _config.HeartbeatTimeout,
		"MaxPool":          _config.MaxPool,
		"TCPTimeout":       _config.TCPTimeout,
		"Store":            _config.Store,
		"User":             _config.User,
		"GCEvery":          _config.GCEvery,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug(cmd.Name())

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/stxt.toml (.json, .yaml also work)
	viper.SetConfigName("stxt")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return err
	}

	// second unmarshal to read from config file
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	return nil
}
