// File: cmd/wsock/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/wsock/control"
	"github.com/momentics/wsock/protocol"
	"github.com/momentics/wsock/server"
)

var (
	serveAddr string
	serveCert string
	serveKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo endpoint",
	Long: `Run a WebSocket endpoint that echoes every text and binary message.

SIGHUP reloads --config. SIGINT or SIGTERM stops the endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveCert, "cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveKey, "key", "", "TLS private key file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if serveCert != "" {
		cfg.CertFile, cfg.KeyFile = serveCert, serveKey
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	l, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	l.OnConnection(func(c *protocol.Conn) {
		log := logger.WithField("conn_id", c.ID())
		log.WithField("remote", c.RemoteAddr()).Info("client connected")
		c.OnText(func(c *protocol.Conn, s string) { _ = c.SendText(s) })
		c.OnBinary(func(c *protocol.Conn, b []byte) { _ = c.SendBinary(b) })
		c.OnClose(func(c *protocol.Conn, ev protocol.CloseEvent) {
			log.WithFields(logrus.Fields{
				"code":   ev.Code,
				"reason": ev.Reason,
				"clean":  ev.Clean,
			}).Info("client disconnected")
		})
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configFile != "" {
		store := control.NewConfigStore(cfg)
		store.OnReload(func(next *control.Config) {
			overrideLog(next)
			if err := control.ApplyLogConfig(logger, next.Log); err != nil {
				logger.WithError(err).Warn("log config not applied")
			}
			if err := l.ApplyConfig(next); err != nil {
				logger.WithError(err).Warn("listener config not applied")
			}
		})
		control.WatchReload(ctx, store, configFile, logger, syscall.SIGHUP)
	}

	if err := l.Start(ctx); err != nil {
		return err
	}
	logger.WithField("addr", l.Addr().String()).Info("listening")

	<-ctx.Done()
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.WithFields(logrus.Fields(l.Debug().DumpState())).Debug("final state")
	}
	return shutdown(l, cfg.CloseTimeout, logger)
}

// shutdown stops accepting, then closes open connections with 1001 and
// waits up to grace for their close handshakes.
func shutdown(l *server.Listener, grace time.Duration, logger logrus.FieldLogger) error {
	err := l.Stop()
	var pending []<-chan struct{}
	l.Range(func(c *protocol.Conn) bool {
		_ = c.Close(protocol.CloseGoingAway, "server shutdown")
		pending = append(pending, c.Done())
		return true
	})
	timer := time.NewTimer(grace + time.Second)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			logger.Warn("connections still open at exit")
			return err
		}
	}
	logger.Info("stopped")
	return err
}
