package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshlink/pkg/config"
	"meshlink/pkg/logger"
	"meshlink/pkg/transport"
)

func main() {
	configPath := flag.String("config", "node.toml", "Node configuration file")
	peerName := flag.String("peer", "", "Peer to connect to (name from config)")
	peerAddr := flag.String("addr", "", "Peer address (overrides config)")
	message := flag.String("msg", "hello", "Message to echo")
	count := flag.Int("count", 1, "Number of echo round trips")
	interval := flag.Duration("interval", time.Second, "Delay between round trips")
	rekey := flag.Bool("rekey", false, "Force a rekey before every round trip after the first")
	timeout := flag.Duration("timeout", 10*time.Second, "Connect timeout")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Parse()

	node, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(node.LogLevel)
	if *verbose {
		logger.SetLevel(logger.LevelDebug)
	}

	peer, ok := node.Peer(*peerName)
	if !ok {
		logger.Error("Peer %q is not configured", *peerName)
		os.Exit(1)
	}
	addr := *peerAddr
	if addr == "" {
		addr = peer.Addr
	}
	if addr == "" {
		logger.Error("No address for peer %q", peer.Name)
		os.Exit(1)
	}

	// Clients bind an ephemeral port.
	ep, err := transport.Listen(":0", node.Identity, node.Transport)
	if err != nil {
		logger.Error("Listen failed: %v", err)
		os.Exit(1)
	}
	defer ep.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, *timeout)
	conn, err := ep.DialQUIC(dialCtx, peer.PublicKey, addr)
	dialCancel()
	if err != nil {
		logger.Error("Failed to connect to %s at %s: %v", peer.Name, addr, err)
		os.Exit(1)
	}
	defer conn.CloseWithError(0, "bye")
	logger.Info("Connected to %s at %s", peer.Name, addr)

	failed := false
	for i := 0; i < *count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(*interval):
			}
			if *rekey {
				if err := ep.Rekey(peer.PublicKey); err != nil {
					logger.Warn("Rekey failed: %v", err)
				}
			}
		}

		start := time.Now()
		reply, err := echo(ctx, conn, []byte(*message))
		if err != nil {
			logger.Error("Echo %d failed: %v", i+1, err)
			failed = true
			break
		}
		if !bytes.Equal(reply, []byte(*message)) {
			logger.Error("Echo %d mismatch: got %d bytes", i+1, len(reply))
			failed = true
			break
		}
		fmt.Printf("echo %d: %q in %s\n", i+1, reply, time.Since(start).Round(time.Microsecond))
	}

	for _, s := range ep.Sessions() {
		fmt.Printf("session %s ratchet=%d key=%s pq=%t\n", s.ID, s.RatchetIndex, s.KeyFingerprint, s.PostQuantum)
	}
	if failed {
		os.Exit(1)
	}
}

func echo(ctx context.Context, conn *quic.Conn, msg []byte) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(msg); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	return io.ReadAll(stream)
}
