// pkdd is the local PKD daemon: it accepts ICAO PKD uploads, validates
// them against stored trust material, publishes the results into an
// LDAP directory and answers passive authentication requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	daemonpkg "github.com/smartcoreinc/localpkd/daemon"
	"github.com/smartcoreinc/localpkd/daemon/config"
	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/daemon/server"
	parouter "github.com/smartcoreinc/localpkd/daemon/server/router/pa"
	processingrouter "github.com/smartcoreinc/localpkd/daemon/server/router/processing"
	systemrouter "github.com/smartcoreinc/localpkd/daemon/server/router/system"
	uploadrouter "github.com/smartcoreinc/localpkd/daemon/server/router/upload"
)

func main() {
	cmd := newDaemonCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDaemonCommand() *cobra.Command {
	cfg := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "pkdd",
		Short:         "Local ICAO PKD processing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Flags(), cfg, configFile)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config-file", "", "daemon configuration file")
	flags.String("addr", cfg.Addr, "API listen address")
	flags.String("log-level", cfg.LogLevel, `logging level ("debug"|"info"|"warn"|"error")`)
	flags.String("data-dir", cfg.DataDir, "directory for stored uploads")
	flags.String("postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flags.String("ldap-url", cfg.LDAP.URL, "LDAP directory URL")
	flags.String("ldap-bind-dn", cfg.LDAP.BindDN, "LDAP bind DN")
	flags.String("ldap-bind-password", cfg.LDAP.BindPassword, "LDAP bind password")
	flags.String("ldap-base-dn", cfg.LDAP.BaseDN, "directory root the PKD tree is grafted under")
	flags.String("master-list-anchors", cfg.MasterListAnchorPath, "PEM bundle of master list signer anchors")
	flags.Int("batch-size", cfg.BatchSize, "certificates per DB/LDAP batch")
	return cmd
}

// runDaemon merges file and flag configuration, then runs the daemon
// until SIGINT or SIGTERM.
func runDaemon(flags *pflag.FlagSet, cfg *config.Config, configFile string) error {
	if configFile != "" {
		if err := config.Load(cfg, configFile); err != nil {
			return err
		}
	}
	applyFlags(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.RFC3339Nano,
		FullTimestamp:   true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemonpkg.New(ctx, cfg)
	if err != nil {
		return err
	}
	d.Warm(ctx)

	srv := server.New(
		uploadrouter.NewRouter(d, cfg.MaxUploadBytes),
		processingrouter.NewRouter(d),
		parouter.NewRouter(d),
		systemrouter.NewRouter(d, metrics.Handler()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, cfg.Addr)
	})
	serveErr := g.Wait()

	log.G(ctx).Info("shutting down")
	if err := d.Shutdown(context.Background()); err != nil {
		log.G(ctx).WithError(err).Warn("shutdown did not complete cleanly")
	}
	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// applyFlags copies explicitly set flags over the config, so flags win
// over the config file.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	set("addr", &cfg.Addr)
	set("log-level", &cfg.LogLevel)
	set("data-dir", &cfg.DataDir)
	set("postgres-dsn", &cfg.PostgresDSN)
	set("ldap-url", &cfg.LDAP.URL)
	set("ldap-bind-dn", &cfg.LDAP.BindDN)
	set("ldap-bind-password", &cfg.LDAP.BindPassword)
	set("ldap-base-dn", &cfg.LDAP.BaseDN)
	set("master-list-anchors", &cfg.MasterListAnchorPath)
	if flags.Changed("batch-size") {
		cfg.BatchSize, _ = flags.GetInt("batch-size")
	}
}
