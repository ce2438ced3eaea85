// Package main provides roomctl, an operator CLI for a running room server:
// room listing and inspection, server statistics, log level control and
// development token minting.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/vrserver/internal/config"
)

const (
	serverKey  = "roomctl.server"
	outputKey  = "roomctl.output"
	timeoutKey = "roomctl.timeout"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand.
type app struct {
	v   *viper.Viper
	out io.Writer
	cfg string
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:          "roomctl",
		Short:        "Inspect and operate a room server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.v = config.NewViper(a.cfg)
			if a.cfg != "" {
				if err := a.v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			a.v.SetDefault(serverKey, "http://127.0.0.1:8080")
			a.v.SetDefault(outputKey, "json")
			a.v.SetDefault(timeoutKey, "5s")
			for key, flag := range map[string]string{
				serverKey:         "server",
				outputKey:         "output",
				timeoutKey:        "timeout",
				"identity.secret": "secret",
				"identity.issuer": "issuer",
			} {
				if err := a.v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
					return fmt.Errorf("binding --%s: %w", flag, err)
				}
			}
			switch a.v.GetString(outputKey) {
			case "json", "yaml":
				return nil
			default:
				return fmt.Errorf("--output must be json or yaml, got %q", a.v.GetString(outputKey))
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg, "config", "", "server configuration file (shares identity settings)")
	flags.String("server", "", "room server HTTP base URL (env VRS_ROOMCTL_SERVER)")
	flags.StringP("output", "o", "", "output format: json or yaml")
	flags.Duration("timeout", 0, "request timeout")
	flags.String("secret", "", "token signing secret (env VRS_IDENTITY_SECRET)")
	flags.String("issuer", "", "token issuer claim")

	root.AddCommand(
		a.roomsCmd(),
		a.roomCmd(),
		a.voiceCmd(),
		a.statsCmd(),
		a.logLevelCmd(),
		a.tokenCmd(),
	)
	return root
}

func (a *app) client() *client {
	timeout := a.v.GetDuration(timeoutKey)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return newClient(strings.TrimRight(a.v.GetString(serverKey), "/"), timeout)
}

// print writes v in the selected output format. v is a decoded JSON value.
func (a *app) print(v any) error {
	switch a.v.GetString(outputKey) {
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		return writeJSON(a.out, v)
	}
}
