package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khryptorgraphics/p2pconnect/internal/config"
	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/monitoring"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/noncecache"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
	"github.com/khryptorgraphics/p2pconnect/pkg/tracing"
	"github.com/khryptorgraphics/p2pconnect/pkg/turn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived TURN allocation with a /metrics and /debug/turn HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Logger())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, gctx := errgroup.WithContext(ctx)

			if cfg.Tracing.Enabled {
				shutdown, err := tracing.Init(cfg.Tracing.ServiceName, os.Stderr)
				if err != nil {
					return err
				}
				defer shutdown(context.Background())
			}

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			router.Use(gin.Recovery())
			router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
			router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

			metrics := monitoring.NewPrometheusMetrics()
			mgr := stun.NewManager()
			mgr.SetMetrics(metrics)

			var client *turn.Client
			var nonces *noncecache.Cache
			if len(cfg.TURN.URIs) > 0 {
				laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
				if err != nil {
					return err
				}
				sock, err := net.ListenUDP("udp", laddr)
				if err != nil {
					return err
				}
				conn := netio.NewUDPPacketConn(sock, 2048)
				client = turn.New(cfg.TURN.Client(), conn, netio.NewResolver(""), netio.NewScheduler(), mgr, log)
				client.SetMetrics(metrics)

				if cfg.TURN.NonceCachePath != "" {
					nonces, err = noncecache.Open(cfg.TURN.NonceCachePath, cfg.TURN.NonceCacheTTL)
					if err != nil {
						return err
					}
					client.SetNonceCache(nonces)
				}

				router.GET("/debug/turn", func(c *gin.Context) { c.JSON(http.StatusOK, client.Snapshot()) })

				group.Go(func() error {
					return client.Start(gctx)
				})
			}

			server := &http.Server{Addr: cfg.Metrics.Listen, Handler: router}
			group.Go(func() error {
				log.Info(gctx, "debug http surface listening", map[string]interface{}{"addr": cfg.Metrics.Listen})
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			group.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if client != nil {
					client.Shutdown()
				}
				if nonces != nil {
					_ = nonces.Close()
				}
				return server.Shutdown(shutdownCtx)
			})

			return group.Wait()
		},
	}
	return cmd
}
