package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/RichardSlater/bromcom-timetamble-formatter/anonymizer"
	"github.com/RichardSlater/bromcom-timetamble-formatter/document"
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
	"github.com/RichardSlater/bromcom-timetamble-formatter/recovery"
	"github.com/RichardSlater/bromcom-timetamble-formatter/sandbox"
)

// usageError marks mistakes in how the command was invoked, which exit
// with status 2 instead of 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }

var (
	cfgFile  string
	baseDir  string
	workers  int
	logLevel string
	logFile  string
	quiet    bool
	noColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "anonymize INPUT OUTPUT",
	Short: "Replace names and form codes in a timetable PDF with fictional stand-ins",
	Long: `Detects teacher names, student names, and form codes in the content
streams of a timetable PDF and replaces each with a same-length fictional
value, across every encoding the export format uses (plain text, offset
cipher, hex literals, and hex-encoded cipher). Document metadata is
rewritten with the same mapping. The layout of the document is untouched.

Both paths are validated against a base directory (the enclosing
repository by default) before anything is read or written.`,
	Args: func(_ *cobra.Command, args []string) error {
		if len(args) != 2 {
			return usageError{fmt.Errorf("expected INPUT and OUTPUT arguments, got %d", len(args))}
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		bindFlagOverrides(cmd.Flags())
		if noColor {
			color.NoColor = true
		}
		if err := initLogging(); err != nil {
			return err
		}
		return run(cmd.Context(), args[0], args[1])
	},
}

// Execute runs the root command and maps failures to exit codes: 2 for
// usage mistakes, 1 for anything else.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, "Error:", uerr.Error())
			fmt.Fprint(os.Stderr, rootCmd.UsageString())
			return 2
		}
		fmt.Fprintln(os.Stderr, color.RedString("Error: %s", diagnose(err)))
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.anonymize.yaml)")
	rootCmd.Flags().StringVar(&baseDir, "base-dir", "", "directory both paths must stay inside (default: nearest .git or go.mod root)")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "concurrent page rewriters (0 = number of CPUs)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "suppress the replacement summary table")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
}

// initConfig reads the config file and ANONYMIZE_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".anonymize")
	}

	viper.SetEnvPrefix("anonymize")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// bindFlagOverrides backfills unset flags from viper so config file and
// environment values apply without overriding explicit flags.
func bindFlagOverrides(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !viper.IsSet(f.Name) {
			return
		}
		_ = flags.Set(f.Name, fmt.Sprintf("%v", viper.Get(f.Name)))
	})
}

func initLogging() error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return usageError{fmt.Errorf("invalid --log-level %q", logLevel)}
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   noColor,
	})
	if logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB before rotation
			MaxBackups: 5,
			MaxAge:     30, // days
		})
	} else {
		log.SetOutput(os.Stderr)
	}
	return nil
}

func run(ctx context.Context, inputArg, outputArg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	base := baseDir
	if base == "" {
		base, err = sandbox.DefaultBaseDir()
		if err != nil {
			return fmt.Errorf("detect base directory: %w", err)
		}
	}

	inputPath, err := sandbox.Resolve(inputArg, base)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	fi, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("input %s: not a regular file", inputPath)
	}

	outputPath, err := sandbox.ResolveOutput(outputArg, base)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if fi, err := os.Stat(outputPath); err == nil && fi.IsDir() {
		return fmt.Errorf("output %s: is a directory", outputPath)
	}

	logger := observability.NewLogrusLogger(log.StandardLogger())

	log.Infof("reading %s", inputPath)
	doc, err := document.Open(inputPath, document.Options{
		Recovery: recovery.NewLenient(logger),
		Log:      logger,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", inputPath, err)
	}

	report, err := anonymizer.Anonymize(ctx, doc, anonymizer.Options{
		Workers: workers,
		Log:     logger,
	})
	if err != nil {
		return err
	}

	log.Infof("saving %s", outputPath)
	if err := doc.Save(outputPath); err != nil {
		return fmt.Errorf("save %s: %w", outputPath, err)
	}

	if !quiet {
		printSummary(report, inputPath, outputPath)
	}
	return nil
}

// diagnose maps well-known failure classes to actionable messages.
func diagnose(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Sprintf("%v (check the path and --base-dir)", err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Sprintf("%v (adjust file permissions or run as a user with access)", err)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Sprintf("disk full: %v", err)
	default:
		return err.Error()
	}
}
