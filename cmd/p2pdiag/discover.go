package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/khryptorgraphics/p2pconnect/internal/config"
	"github.com/khryptorgraphics/p2pconnect/pkg/discovery"
	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
	"github.com/spf13/cobra"
)

func discoverCmd() *cobra.Command {
	var server string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Learn this host's server-reflexive address from a STUN server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if server != "" {
				cfg.Discovery.Name = server
			}
			if cfg.Discovery.Name == "" {
				return fmt.Errorf("--server is required (or set discovery.name in the config file)")
			}

			udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
			if err != nil {
				return err
			}
			defer udpConn.Close()

			conn := netio.NewUDPPacketConn(udpConn, 2048)
			log := logging.New(cfg.Logging.Logger())
			d := discovery.New(cfg.Discovery, conn, netio.NewResolver(""), netio.NewScheduler(), stun.NewManager(), log)

			done := make(chan *discovery.Result, 1)
			d.OnResult(func(r *discovery.Result) { done <- r })

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := d.Start(ctx); err != nil {
				return err
			}

			select {
			case r := <-done:
				color.New(color.FgGreen).Printf("reflexive address: %s (via %s)\n", r.ReflexiveAddr, r.Server)
				return nil
			case <-ctx.Done():
				color.New(color.FgRed).Println("timed out waiting for a STUN response")
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "STUN server name to resolve (overrides discovery.name)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout")
	return cmd
}
