package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/vrserver/internal/identity"
)

func (a *app) roomsCmd() *cobra.Command {
	var gameID string
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List public rooms with free seats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if gameID != "" {
				q.Set("game_id", gameID)
			}
			out, err := a.client().get(cmd.Context(), "/v1/rooms", q)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
	cmd.Flags().StringVar(&gameID, "game", "", "only rooms of this game")
	return cmd
}

func (a *app) roomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room ROOM_ID",
		Short: "Show one room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.client().get(cmd.Context(), "/v1/rooms/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func (a *app) voiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice ROOM_ID",
		Short: "Show a room's voice routing table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.client().get(cmd.Context(), "/v1/rooms/"+url.PathEscape(args[0])+"/voice", nil)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.client().get(cmd.Context(), "/v1/stats", nil)
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func (a *app) logLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-level [LEVEL]",
		Short: "Show or change the server log level",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				out any
				err error
			)
			if len(args) == 0 {
				out, err = a.client().get(cmd.Context(), "/v1/log-level", nil)
			} else {
				out, err = a.client().do(cmd.Context(), http.MethodPut, "/v1/log-level", nil,
					map[string]string{"level": args[0]})
			}
			if err != nil {
				return err
			}
			return a.print(out)
		},
	}
}

func (a *app) tokenCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "token PLAYER_ID",
		Short: "Mint a session token for development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl := a.v.GetDuration("identity.token_ttl")
			issuer, err := identity.NewIssuer(a.v.GetString("identity.secret"), a.v.GetString("identity.issuer"), ttl)
			if err != nil {
				return fmt.Errorf("creating issuer: %w", err)
			}
			if name == "" {
				name = args[0]
			}
			token, err := issuer.Issue(args[0], name)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			_, err = fmt.Fprintln(a.out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the player id)")
	return cmd
}
