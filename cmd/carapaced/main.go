// Command carapaced is the supervisor's CLI surface: glue, not core. It
// invokes the same internal packages a test would construct directly;
// nothing here makes a decision the core packages don't already own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"carapace/internal/config"
	"carapace/internal/installer"
)

func main() {
	app := &cli.App{
		Name:  "carapaced",
		Usage: "container-isolated agent supervisor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "carapace.json", Usage: "path to the supervisor's JSON config"},
		},
		Commands: []*cli.Command{
			startCommand(),
			stopCommand(),
			confirmCommand(),
			pluginCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "carapaced:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to a stable non-zero exit code per failure
// class, per the CLI surface's documented contract. Every path through
// this binary that can fail funnels into a *cli.ExitError or a plain
// error; plain errors are generic runtime failures (exit 1).
func exitCodeFor(err error) int {
	if exitErr, ok := err.(cli.ExitCoder); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.String("config"))
}

func newInstaller(c *cli.Context) (*installer.Installer, config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, config.Config{}, err
	}
	return installer.New(cfg.PluginsDir, cfg.CredentialsDir, nil), cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pluginCommand() *cli.Command {
	return &cli.Command{
		Name:  "plugin",
		Usage: "manage installed plugins",
		Subcommands: []*cli.Command{
			{
				Name:      "install",
				Usage:     "clone, sanitize, and validate a plugin from a git URL",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "override the derived plugin name"},
				},
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("plugin install requires exactly one <url> argument", 2)
					}
					in, _, err := newInstaller(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					result, err := in.Install(context.Background(), c.Args().First(), c.String("name"))
					if err != nil {
						return cli.Exit(err.Error(), 3)
					}
					return printJSON(result)
				},
			},
			{
				Name:  "list",
				Usage: "enumerate installed plugins",
				Action: func(c *cli.Context) error {
					in, _, err := newInstaller(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					result, err := in.List()
					if err != nil {
						return cli.Exit(err.Error(), 3)
					}
					return printJSON(result)
				},
			},
			{
				Name:      "remove",
				Usage:     "delete an installed plugin",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "remove-credentials", Usage: "also delete the plugin's credentials directory"},
				},
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("plugin remove requires exactly one <name> argument", 2)
					}
					in, _, err := newInstaller(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					result, err := in.Remove(c.Args().First(), c.Bool("remove-credentials"))
					if err != nil {
						return cli.Exit(err.Error(), 3)
					}
					return printJSON(result)
				},
			},
			{
				Name:      "update",
				Usage:     "fetch and check out the latest default-branch tip for a git-backed plugin",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("plugin update requires exactly one <name> argument", 2)
					}
					in, _, err := newInstaller(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					result, err := in.Update(context.Background(), c.Args().First())
					if err != nil {
						return cli.Exit(err.Error(), 3)
					}
					return printJSON(result)
				},
			},
			{
				Name:      "configure",
				Usage:     "set one config.json key for a plugin, type-checked against its config_schema",
				ArgsUsage: "<name> <key> <value>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 3 {
						return cli.Exit("plugin configure requires <name> <key> <value>", 2)
					}
					in, _, err := newInstaller(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					var value any
					raw := c.Args().Get(2)
					if err := json.Unmarshal([]byte(raw), &value); err != nil {
						value = raw // bare strings need not be quoted on the command line
					}
					if err := in.Configure(c.Args().Get(0), c.Args().Get(1), value); err != nil {
						return cli.Exit(err.Error(), 3)
					}
					return nil
				},
			},
			{
				Name:      "verify",
				Usage:     "check a plugin's declared credentials and, if it ships a handler, race its smoke test",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("plugin verify requires exactly one <name> argument", 2)
					}
					in, cfg, err := newInstaller(c)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					name := c.Args().First()
					result, err := in.Verify(context.Background(), name, smokeTestFor(cfg, name), sanitizeAny)
					if err != nil {
						return cli.Exit(err.Error(), 3)
					}
					return printJSON(result)
				},
			},
		},
	}
}
