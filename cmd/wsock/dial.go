// File: cmd/wsock/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/wsock/client"
	"github.com/momentics/wsock/protocol"
)

var (
	dialOrigin   string
	dialRetries  int
	dialInsecure bool
)

var dialCmd = &cobra.Command{
	Use:   "dial <url>",
	Short: "Send stdin lines to an endpoint and print replies",
	Long: `Connect to a ws:// or wss:// URL (or bare host:port). Each stdin line
is sent as a text message; received messages are printed to stdout.
End of input closes the connection with 1000.`,
	Args: cobra.ExactArgs(1),
	RunE: runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialOrigin, "origin", "", "Origin header")
	dialCmd.Flags().IntVar(&dialRetries, "retries", 0, "retries on transport failure")
	dialCmd.Flags().BoolVar(&dialInsecure, "insecure", false, "skip TLS certificate verification")
}

func runDial(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	opts := []client.Option{
		client.WithConfig(cfg),
		client.WithLogger(logger),
		client.WithRetries(dialRetries),
		client.WithSetup(func(c *protocol.Conn) {
			c.OnText(func(_ *protocol.Conn, s string) { fmt.Fprintln(out, s) })
			c.OnBinary(func(_ *protocol.Conn, b []byte) { fmt.Fprintln(out, hex.EncodeToString(b)) })
			c.OnClose(func(_ *protocol.Conn, ev protocol.CloseEvent) {
				logger.WithField("code", ev.Code).WithField("clean", ev.Clean).Info("connection closed")
			})
		}),
	}
	if dialOrigin != "" {
		opts = append(opts, client.WithHeader("Origin", dialOrigin))
	}
	if dialInsecure {
		opts = append(opts, client.WithTLSConfig(insecureTLS()))
	}

	conn, err := client.Dial(ctx, args[0], opts...)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				_ = conn.Close(protocol.CloseNormalClosure, "")
				<-conn.Done()
				return nil
			}
			if err := conn.SendText(line); err != nil {
				logger.WithError(err).Warn("send failed")
			}
		case <-ctx.Done():
			_ = conn.Close(protocol.CloseGoingAway, "")
			<-conn.Done()
			return nil
		case <-conn.Done():
			return nil
		}
	}
}
