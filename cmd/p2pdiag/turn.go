package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/khryptorgraphics/p2pconnect/internal/config"
	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
	"github.com/khryptorgraphics/p2pconnect/pkg/turn"
	"github.com/spf13/cobra"
)

func turnCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "turn", Short: "TURN client diagnostics"}
	cmd.AddCommand(turnAllocateCmd())
	return cmd
}

var stateColor = map[turn.State]*color.Color{
	turn.StatePending:      color.New(color.FgWhite),
	turn.StateDiscovering:  color.New(color.FgCyan),
	turn.StateAllocating:   color.New(color.FgYellow),
	turn.StateReady:        color.New(color.FgGreen),
	turn.StateRefreshing:   color.New(color.FgCyan),
	turn.StateShuttingDown: color.New(color.FgYellow),
	turn.StateShutdown:     color.New(color.FgRed),
}

func turnAllocateCmd() *cobra.Command {
	var uri, username, password string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Request a TURN relay allocation and print the state-transition trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if uri != "" {
				cfg.TURN.URIs = []string{uri}
			}
			if username != "" {
				cfg.TURN.Username = username
			}
			if password != "" {
				cfg.TURN.Password = password
			}
			if len(cfg.TURN.URIs) == 0 {
				return fmt.Errorf("--uri is required (or set turn.uris in the config file)")
			}

			udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
			if err != nil {
				return err
			}
			defer udpConn.Close()

			conn := netio.NewUDPPacketConn(udpConn, 2048)
			log := logging.New(cfg.Logging.Logger())
			client := turn.New(cfg.TURN.Client(), conn, netio.NewResolver(""), netio.NewScheduler(), stun.NewManager(), log)

			ready := make(chan struct{}, 1)
			failed := make(chan struct{}, 1)
			client.Subscribe(func(s turn.State, code turn.ShutdownCode) {
				c, ok := stateColor[s]
				if !ok {
					c = color.New(color.Reset)
				}
				c.Printf("state: %s", s)
				if code != turn.ShutdownNone {
					c.Printf(" (%s)", code)
				}
				fmt.Println()
				if s == turn.StateReady {
					select {
					case ready <- struct{}{}:
					default:
					}
				}
				if s == turn.StateShutdown {
					select {
					case failed <- struct{}{}:
					default:
					}
				}
			})

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := client.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ready:
				alloc := client.Allocation()
				color.New(color.FgGreen, color.Bold).Printf(
					"allocation %s: relayed address: %s  reflexive address: %s  lifetime: %s\n",
					alloc.ID, alloc.RelayedAddress, alloc.ReflexiveAddress, alloc.Lifetime,
				)
				client.Shutdown()
				return nil
			case <-failed:
				return fmt.Errorf("allocation failed: %s", client.State())
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "turn: or turns: URI (overrides turn.uris)")
	cmd.Flags().StringVar(&username, "username", "", "long-term credential username")
	cmd.Flags().StringVar(&password, "password", "", "long-term credential password")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}
