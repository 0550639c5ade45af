package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/api"
	"github.com/sharifconnect/sharifconnect/pkg/config"
	"github.com/sharifconnect/sharifconnect/pkg/connect"
	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/metadata"
	"github.com/sharifconnect/sharifconnect/pkg/netstate"
	"github.com/sharifconnect/sharifconnect/pkg/portal"
	"github.com/sharifconnect/sharifconnect/pkg/probe"
	"github.com/sharifconnect/sharifconnect/pkg/shell"
	"github.com/sharifconnect/sharifconnect/pkg/vpn"
)

var version = "0.3.0"

func main() {
	app := cli.NewApp()
	app.Name = "sharifconnect"
	app.Usage = "connect to the Sharif University network from inside or outside campus"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "settings `FILE` (yaml)", EnvVar: "SHARIF_CONFIG"},
		cli.StringFlag{Name: "store", Usage: "encrypted credential store `PATH`"},
		cli.StringFlag{Name: "log-file", Usage: "also append logs to `FILE`"},
		cli.BoolFlag{Name: "debug, d", Usage: "verbose development logging"},
	}
	credFlags := []cli.Flag{
		cli.StringFlag{Name: "user, u", Usage: "username (defaults to the remembered one)", EnvVar: "SHARIF_USER"},
		cli.StringFlag{Name: "password, p", Usage: "password", EnvVar: "SHARIF_PASSWORD"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "status",
			Usage: "classify the current network position",
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				state := a.orc.Classify(a.ctx)
				out := map[string]interface{}{"state": int(state), "state_name": state.String()}
				if gw, dev, err := vpn.DefaultRoute(); err == nil {
					out["route"] = map[string]string{"gateway": gw, "device": dev}
				}
				return printJSON(out)
			}),
		},
		{
			Name:  "login",
			Usage: "save credentials for later commands",
			Flags: append(credFlags, cli.BoolFlag{Name: "remember, r", Usage: "remember the credentials on this machine"}),
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				res := a.orc.Login(c.String("user"), c.String("password"), c.Bool("remember"))
				return report(res, res.Success)
			}),
		},
		{
			Name:  "logout",
			Usage: "forget remembered credentials",
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if err := a.store.Save(config.Saved{}); err != nil {
					return err
				}
				a.orc.Logout()
				return nil
			}),
		},
		{
			Name:  "passwd",
			Usage: "change the remembered username or password",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "new-user", Usage: "new username"},
				cli.StringFlag{Name: "new-password", Usage: "new password"},
				cli.StringFlag{Name: "current-password", Usage: "current password"},
			},
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if err := a.authenticate(c); err != nil {
					return err
				}
				res := a.orc.ChangeCredentials(c.String("new-user"), c.String("new-password"), c.String("current-password"))
				return report(res, res.Success)
			}),
		},
		{
			Name:  "connect",
			Usage: "connect through the portal or the vpn, whichever the network needs",
			Flags: credFlags,
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if err := a.authenticate(c); err != nil {
					return err
				}
				res := a.orc.Connect(a.ctx)
				return report(res, res.Success)
			}),
		},
		{
			Name:  "disconnect",
			Usage: "drop the portal session or the vpn tunnel",
			Flags: credFlags,
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				// disconnect has no login gate; credentials are only needed inside campus
				_ = a.authenticate(c)
				res := a.orc.Disconnect(a.ctx)
				return report(res, res.Success)
			}),
		},
		{
			Name:  "sessions",
			Usage: "list online sessions of the account",
			Flags: credFlags,
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if err := a.authenticate(c); err != nil {
					return err
				}
				res := a.orc.ListOtherSessions(a.ctx)
				return report(res, res.Success)
			}),
		},
		{
			Name:      "kick",
			Usage:     "disconnect one online session",
			ArgsUsage: "SESSION_ID",
			Flags:     credFlags,
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if c.NArg() != 1 {
					return cli.NewExitError("kick takes exactly one session id", 2)
				}
				if err := a.authenticate(c); err != nil {
					return err
				}
				res := a.orc.TerminateOtherSession(a.ctx, c.Args().First())
				return report(res, res.Success)
			}),
		},
		{
			Name:  "profile",
			Usage: "show the registration profile",
			Flags: credFlags,
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if err := a.authenticate(c); err != nil {
					return err
				}
				res := a.orc.Profile(a.ctx)
				return report(res, res.Success)
			}),
		},
		{
			Name:  "usage",
			Usage: "show recent bandwidth logs",
			Flags: credFlags,
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				if err := a.authenticate(c); err != nil {
					return err
				}
				res := a.orc.BandwidthLogs(a.ctx)
				return report(res, res.Success)
			}),
		},
		{
			Name:  "serve",
			Usage: "serve the local JSON api",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Usage: "listen `ADDR` (overrides the settings file)"},
			},
			Action: withApp(func(c *cli.Context, a *appCtx) error {
				a.orc.Resume()
				addr := a.settings.API.Listen
				if c.IsSet("listen") {
					addr = c.String("listen")
				}
				srv := api.NewServer(a.orc, api.ServerOptions{
					Addr:   addr,
					Token:  api.NewToken(),
					Route:  vpn.DefaultRoute,
					Logger: a.logger,
				})
				tokenPath := filepath.Join(filepath.Dir(a.storePath), "api_token")
				if err := writeToken(tokenPath, srv.Token()); err != nil {
					return err
				}
				defer os.Remove(tokenPath)
				fmt.Fprintf(os.Stderr, "api token written to %s\n", tokenPath)
				a.logger.Infow("api token written", "path", tokenPath)

				errc := srv.Start()
				select {
				case err := <-errc:
					return err
				case <-a.ctx.Done():
				}
				return srv.Stop(context.Background())
			}),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type appCtx struct {
	ctx       context.Context
	settings  config.Settings
	store     config.Store
	storePath string
	orc       *connect.Orchestrator
	logger    *zap.SugaredLogger
}

// withApp builds the component graph from global flags before running fn.
func withApp(fn func(c *cli.Context, a *appCtx) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		logger, err := log.New(c.GlobalBool("debug"), c.GlobalString("log-file"))
		if err != nil {
			return err
		}
		defer logger.Sync()

		settings, err := config.LoadSettings(c.GlobalString("config"))
		if err != nil {
			return err
		}
		storePath := c.GlobalString("store")
		if storePath == "" {
			if storePath, err = config.DefaultStorePath(); err != nil {
				return err
			}
		}
		store, err := config.NewFileStore(storePath, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := &appCtx{ctx: ctx, settings: settings, store: store, storePath: storePath, logger: logger}
		if a.orc, err = build(settings, store, c.GlobalBool("debug"), logger); err != nil {
			return err
		}
		return fn(c, a)
	}
}

func build(s config.Settings, store config.Store, debug bool, logger *zap.SugaredLogger) (*connect.Orchestrator, error) {
	runner := &shell.ExecRunner{Debug: debug, Logger: logger}

	prober := probe.New(probe.Options{
		PingTimeout:    s.Network.PingTimeout,
		HTTPTimeout:    s.Network.HTTPTimeout,
		PublicProbes:   s.Network.PublicProbes,
		FallbackIP:     s.Network.FallbackPingIP,
		IPLookupURL:    s.Network.IPLookupURL,
		RequestTimeout: s.Network.RequestTimeout,
		Runner:         runner,
		Logger:         logger,
	})
	classifier := netstate.NewClassifier(prober, s.Network.Nameservers, s.Network.PortalHost, s.Network.ClassifyTimeout, logger)

	portalClient, err := portal.NewClient(s.Portal.BaseURL, s.Portal.UserAgent, s.Network.RequestTimeout, logger)
	if err != nil {
		return nil, err
	}
	tunnel := vpn.New(vpn.Config{
		Name:         s.VPN.Name,
		Server:       s.VPN.Server,
		PreSharedKey: s.VPN.PreSharedKey,
		Interface:    s.VPN.Interface,
		Timeout:      s.VPN.Timeout,
	}, runner, logger)
	account := metadata.NewClient(s.Meta, s.Portal.UserAgent, s.Network.RequestTimeout, logger)

	return connect.New(connect.Deps{
		Classifier: classifier,
		Portal:     portalClient,
		Tunnel:     tunnel,
		IP:         prober,
		Account:    account,
		Store:      store,
		Logger:     logger,
	}), nil
}

// authenticate opens the login gate from flags, falling back to remembered credentials.
func (a *appCtx) authenticate(c *cli.Context) error {
	user, pass := c.String("user"), c.String("password")
	if user == "" && pass == "" {
		if a.orc.Resume() {
			return nil
		}
		return cli.NewExitError("not logged in: pass --user and --password or run login --remember first", 2)
	}
	if user == "" {
		user = a.orc.Username()
	}
	if res := a.orc.Authorize(user, pass); !res.Success {
		return cli.NewExitError(res.Message, 2)
	}
	return nil
}

// writeToken replaces the token file so a stale one never keeps wider permissions.
func writeToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(token + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints a result and turns a failure into a non-zero exit.
func report(v interface{}, ok bool) error {
	if err := printJSON(v); err != nil {
		return err
	}
	if !ok {
		return errors.New("operation failed")
	}
	return nil
}
