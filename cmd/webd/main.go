// Command webd is the server entry point: it loads the JSON configuration,
// binds the configured endpoints and serves until told to exit.
package main

import (
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/emweb-io/emweb/pkg/config"
	"github.com/emweb-io/emweb/pkg/fiber"
	"github.com/emweb-io/emweb/pkg/server"
)

const version = server.Version

type options struct {
	background bool
	configPath string
	debug      bool
	exitSpec   string
	home       string
	listen     string
	profile    string
	quiet      bool
	show       string
	timeouts   bool
	trace      string
	verbose    bool
	version    bool
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "webd",
		Short:         "embedded web server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	bindFlags(cmd.Flags(), opts)

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		logrus.Error(err)
		os.Exit(2)
		return nil
	})

	if err := cmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func bindFlags(flags *pflag.FlagSet, opts *options) {
	flags.BoolVar(&opts.background, "background", false, "run detached in the background")
	flags.StringVar(&opts.configPath, "config", "web.json", "configuration file")
	flags.BoolVar(&opts.debug, "debug", false, "debug logging and no timeouts")
	flags.StringVar(&opts.exitSpec, "exit", "", "exit after an event name or a number of seconds")
	flags.StringVar(&opts.home, "home", "", "change to directory before starting")
	flags.StringVar(&opts.listen, "listen", "", "override the configured listen endpoint")
	flags.StringVar(&opts.profile, "profile", "", "apply a named configuration profile")
	flags.BoolVar(&opts.quiet, "quiet", false, "errors only")
	flags.StringVar(&opts.show, "show", "", "trace flags: H B h b")
	flags.BoolVar(&opts.timeouts, "timeouts", false, "disable request timeouts")
	flags.StringVar(&opts.trace, "trace", "", "append log output to this file")
	flags.BoolVar(&opts.verbose, "verbose", false, "verbose logging")
	flags.BoolVar(&opts.version, "version", false, "print the version and exit")
}

func run(opts *options) error {
	if opts.version {
		os.Stdout.WriteString(version + "\n")
		return nil
	}
	if opts.background && os.Getenv("WEBD_DAEMONIZED") == "" {
		return daemonize()
	}

	configureLogging(opts)

	if opts.home != "" {
		if err := os.Chdir(opts.home); err != nil {
			return err
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.profile != "" {
		if err := cfg.ApplyProfile(opts.profile); err != nil {
			return err
		}
	}
	applyOverrides(cfg, opts)

	host, err := server.NewHost(cfg)
	if err != nil {
		return err
	}
	if err := host.Listen(); err != nil {
		return err
	}

	waitForExit(host, opts.exitSpec)
	host.Stop()
	return nil
}

// daemonize re-executes the process detached and exits the parent.
func daemonize() error {
	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), "WEBD_DAEMONIZED=1")
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return child.Start()
}

func configureLogging(opts *options) {
	switch {
	case opts.quiet:
		logrus.SetLevel(logrus.ErrorLevel)
	case opts.debug, opts.verbose:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	if opts.trace != "" {
		if f, err := os.OpenFile(opts.trace, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err == nil {
			logrus.SetOutput(f)
		}
	}
}

func applyOverrides(cfg *config.Config, opts *options) {
	if opts.listen != "" {
		cfg.Web.Listen = []string{opts.listen}
	}
	if opts.show != "" {
		cfg.Web.Show = opts.show
	}
	if opts.timeouts || opts.debug {
		// Debugging: no request deadlines.
		cfg.Web.Timeouts.Parse = 0
		cfg.Web.Timeouts.Inactivity = 0
		cfg.Web.Timeouts.Request = 0
	}
	if len(cfg.Web.Listen) == 0 {
		cfg.Web.Listen = []string{"http://:80"}
	}
}

// waitForExit blocks per the --exit spec: a number of seconds, a named
// host event, or an interrupt signal by default.
func waitForExit(host *server.Host, exitSpec string) {
	if exitSpec != "" {
		if secs, err := strconv.Atoi(exitSpec); err == nil {
			fiber.Delay(time.Duration(secs) * time.Second)
			return
		}
		done := make(chan struct{})
		host.Bus.Watch(exitSpec, func(any) { close(done) })
		<-done
		return
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
}
