// Package cli wires the relayboard command tree.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "RELAYBOARD"

// RootOptions holds state shared by every subcommand once flags are parsed.
type RootOptions struct {
	// Config resolves flags, RELAYBOARD_* environment variables and the
	// optional config file, in that order of precedence.
	Config *viper.Viper
	Logger *log.Logger

	logCloser io.Closer
}

// ValidFormats defines the allowed --format and --log-format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the relayboard CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: newConfig()}

	cmd := &cobra.Command{
		Use:   "relayboard",
		Short: "Project a dated event archive onto Kanban boards",
		Long: `relayboard turns an archive of dated events into Kanban boards.

Each year (or decade, before 2000) becomes a board, each day a list and each
event a card, with its media uploaded as attachments. Passes are idempotent:
re-running against the same archive updates what changed and leaves the rest.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
	}

	cmd.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().String("format", "text", "output format (text|json)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	cmd.PersistentFlags().String("log-file", "", "write logs to a rotated file instead of stderr")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewSandboxCommand(opts))

	return cmd
}

func newConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func (o *RootOptions) prepare(cmd *cobra.Command) error {
	if err := o.Config.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := o.Config.GetString("config"); path != "" {
		o.Config.SetConfigFile(path)
		if err := o.Config.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if format := o.Config.GetString("format"); !isValidFormat(format) {
		return fmt.Errorf("invalid format %q: must be one of %v", format, ValidFormats)
	}
	logger, closer, err := newLogger(o.Config, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	o.Logger = logger
	o.logCloser = closer
	return nil
}

func (o *RootOptions) close() error {
	if o.logCloser == nil {
		return nil
	}
	err := o.logCloser.Close()
	o.logCloser = nil
	return err
}

func (o *RootOptions) logger() *log.Logger {
	if o.Logger == nil {
		return log.StandardLogger()
	}
	return o.Logger
}

// newLogger builds the process logger. A log file is rotated at 50 MB,
// keeping 5 compressed backups for 28 days.
func newLogger(v *viper.Viper, stderr io.Writer) (*log.Logger, io.Closer, error) {
	logger := log.New()
	level, err := log.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
	}
	logger.SetLevel(level)

	switch format := v.GetString("log-format"); format {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("invalid log format %q: must be one of %v", format, ValidFormats)
	}

	if path := v.GetString("log-file"); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		logger.SetOutput(rotator)
		return logger, rotator, nil
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	logger.SetOutput(stderr)
	return logger, nil, nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
