// Command netcode-client is a minimal, scriptable client for spec.md
// §6: it reads a hex-encoded ConnectToken (minted by cmd/tokenserver)
// from NETCODE_TOKEN, connects, and echoes whatever it receives on the
// reliable channel back out as a log line — useful for manual testing
// against a running netcode-server.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/packetloop/netcode/internal/config"
	"github.com/packetloop/netcode/internal/session"
	"github.com/packetloop/netcode/pkg/netcode"
	"github.com/packetloop/netcode/pkg/transport"
)

const tickInterval = 10 * time.Millisecond

const reliableChannel = 0

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netcode-client: config:", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	tokenHex := os.Getenv("NETCODE_TOKEN")
	if tokenHex == "" {
		logger.Fatal().Msg("NETCODE_TOKEN is required (hex-encoded token from cmd/tokenserver)")
	}
	tokenBytes, err := hex.DecodeString(tokenHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("NETCODE_TOKEN is not valid hex")
	}

	udp, err := transport.NewUDPTransport(":0", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind UDP transport")
	}
	defer udp.Close()

	client, err := netcode.NewClient(netcode.DefaultConfig(), logger, udp, tokenBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build client from token")
	}

	now := time.Now()
	client.Start(now)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	wasConnected := false
	for {
		select {
		case now := <-ticker.C:
			if err := client.Update(now); err != nil {
				logger.Error().Err(err).Msg("client update failed")
				return
			}
			if client.State() == session.StateConnected {
				if !wasConnected {
					logger.Info().Uint64("connection_id", client.ConnectionID()).Msg("connected")
					wasConnected = true
				}
				for {
					msg, ok := client.ReceiveMessage(reliableChannel)
					if !ok {
						break
					}
					logger.Info().Bytes("payload", msg).Msg("received message")
				}
			} else if wasConnected {
				logger.Warn().Str("reason", client.Disconnected().String()).Msg("disconnected")
				return
			}
		case <-stop:
			client.Disconnect(time.Now())
			return
		}
	}
}
