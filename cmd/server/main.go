package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshlink/pkg/config"
	"meshlink/pkg/logger"
	"meshlink/pkg/transport"
)

var (
	configPath = flag.String("config", "node.toml", "Node configuration file")
	listenAddr = flag.String("listen", "", "Listen address (overrides config)")
	verbose    = flag.Bool("v", false, "Verbose logging")
	reportInt  = flag.Duration("report", 30*time.Second, "Session report interval (0 disables)")
)

func main() {
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
	if *listenAddr != "" {
		node.Listen = *listenAddr
	}
	if node.GeneratedKey {
		logger.Warn("No private_key configured, using a throwaway identity")
	}

	ep, err := transport.Listen(node.Listen, node.Identity, node.Transport)
	if err != nil {
		logger.Error("Listen failed: %v", err)
		os.Exit(1)
	}
	printServerInfo(node, ep)

	listener, err := ep.ListenQUIC()
	if err != nil {
		logger.Error("QUIC listen failed: %v", err)
		ep.Close()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *reportInt > 0 {
		go runReporter(ctx, ep, *reportInt)
	}

	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("Accept error: %v", err)
				}
				return
			}
			go handleQUICConn(ctx, conn)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	listener.Close()
	ep.Close()
}

func handleQUICConn(ctx context.Context, conn *quic.Conn) {
	logger.Info("New QUIC connection from %s", conn.RemoteAddr())
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("AcceptStream error: %v", err)
			return
		}
		go handleStream(stream)
	}
}

// handleStream echoes everything it reads.
func handleStream(stream *quic.Stream) {
	defer stream.Close()
	n, err := io.Copy(stream, stream)
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("Stream %d: %v", stream.StreamID(), err)
		return
	}
	logger.Debug("Stream %d: echoed %d bytes", stream.StreamID(), n)
}

func runReporter(ctx context.Context, ep *transport.Endpoint, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := ep.Stats()
		logger.Info("Datagrams in=%d ignored=%d, messages in=%d out=%d, inbox drops=%d",
			st.DatagramsIn, st.DatagramsIgnored, st.MessagesIn, st.MessagesOut, st.InboxDrops)
		for _, s := range ep.Sessions() {
			logger.Info("  session %s peer=%s established=%t ratchet=%d key=%s pq=%t idle=%s",
				s.ID, s.RemoteFingerprint, s.Established, s.RatchetIndex, s.KeyFingerprint, s.PostQuantum,
				time.Since(s.LastActivity).Round(time.Second))
		}
	}
}

func printServerInfo(node *config.Node, ep *transport.Endpoint) {
	fmt.Println("--- Node Information ---")
	addrs, _ := net.InterfaceAddrs()
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				fmt.Printf("  IPv4: %s\n", ipnet.IP.String())
			}
		}
	}
	fmt.Printf("  Listening: %s\n", ep.LocalAddr())
	fmt.Printf("  Static Public Key: %s\n", node.Identity.Public)
	fmt.Printf("  Fingerprint: %s\n", node.Identity.Fingerprint)
	fmt.Printf("  Known Peers: %d\n", len(node.Transport.Peers))
	fmt.Println("------------------------")
}
