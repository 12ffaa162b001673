package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshlink/pkg/logger"
	"meshlink/pkg/protocol"
	"meshlink/pkg/transport"
)

// Scenario defines a benchmark case.
type Scenario struct {
	Name        string
	Size        int
	PostQuantum bool
	RekeyEvery  time.Duration
}

var scenarios = []Scenario{
	{"Small messages", 64, true, 0},
	{"MTU sized", 1300, true, 0},
	{"Fragmented (16KB)", 16 * 1024, true, 0},
	{"Classical handshake", 1300, false, 0},
	{"Rekey every 500ms", 1300, true, 500 * time.Millisecond},
}

type LatencyStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *LatencyStats) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, d)
}

func (l *LatencyStats) Calculate() (p50, p95, p99 time.Duration, jitter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) == 0 {
		return 0, 0, 0, 0
	}

	sort.Slice(l.samples, func(i, j int) bool {
		return l.samples[i] < l.samples[j]
	})

	n := len(l.samples)
	p50 = l.samples[n*50/100]
	p95 = l.samples[n*95/100]
	p99 = l.samples[n*99/100]

	// Jitter: Standard Deviation
	var sum float64
	for _, d := range l.samples {
		sum += float64(d.Microseconds())
	}
	mean := sum / float64(n)

	var sqDiff float64
	for _, d := range l.samples {
		diff := float64(d.Microseconds()) - mean
		sqDiff += diff * diff
	}

	stdDev := math.Sqrt(sqDiff / float64(n))
	jitter = time.Duration(stdDev) * time.Microsecond

	return
}

type result struct {
	handshake time.Duration
	sent      int64
	received  int64
	bytes     int64
	elapsed   time.Duration
	latency   *LatencyStats
	ratchet   uint64
}

func main() {
	dur := flag.Duration("duration", 5*time.Second, "Duration per scenario")
	conc := flag.Int("c", 4, "Concurrent senders")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logger.SetLevel(logger.LevelWarn)
	if *verbose {
		logger.SetLevel(logger.LevelDebug)
	}

	fmt.Println("=== Session Benchmark Suite ===")
	for _, sc := range scenarios {
		fmt.Printf("\n[%s] size=%d pq=%t rekey=%s\n", sc.Name, sc.Size, sc.PostQuantum, sc.RekeyEvery)
		res, err := run(sc, *dur, *conc)
		if err != nil {
			fmt.Printf("  FAILED: %v\n", err)
			os.Exit(1)
		}
		p50, p95, p99, jitter := res.latency.Calculate()
		loss := 0.0
		if res.sent > 0 {
			loss = 100 * float64(res.sent-res.received) / float64(res.sent)
		}
		fmt.Printf("  Handshake:  %s\n", res.handshake.Round(time.Microsecond))
		fmt.Printf("  Messages:   sent=%d received=%d loss=%.2f%%\n", res.sent, res.received, loss)
		fmt.Printf("  Throughput: %.2f MB/s\n", float64(res.bytes)/res.elapsed.Seconds()/1e6)
		fmt.Printf("  Latency:    p50=%s p95=%s p99=%s jitter=%s\n", p50, p95, p99, jitter)
		fmt.Printf("  Ratchet:    %d\n", res.ratchet)
	}
}

func run(sc Scenario, dur time.Duration, conc int) (*result, error) {
	cfg := transport.DefaultConfig()
	cfg.PostQuantum = sc.PostQuantum
	cfg.RekeyRateLimit = 0
	cfg.InboxSize = 8192

	a, b, err := newPair(cfg)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	defer b.Close()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	addr, err := a.Connect(ctx, b.Identity().Public, "")
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	res := &result{handshake: time.Since(start), latency: &LatencyStats{}}

	// Messages start with their big-endian send time in nanoseconds.
	var sent, received, bytes atomic.Int64
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, protocol.MaxFragments*protocol.MaxMTU)
		for {
			b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, _, err := b.ReadFrom(buf)
			if err != nil {
				select {
				case <-done:
					return
				default:
					continue
				}
			}
			var stamp int64
			for i := 0; i < 8; i++ {
				stamp = stamp<<8 | int64(buf[i])
			}
			res.latency.Record(time.Since(time.Unix(0, stamp)))
			received.Add(1)
			bytes.Add(int64(n))
		}
	}()

	if sc.RekeyEvery > 0 {
		go func() {
			ticker := time.NewTicker(sc.RekeyEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := a.Rekey(b.Identity().Public); err != nil {
						logger.Warn("Rekey failed: %v", err)
					}
				}
			}
		}()
	}

	deadline := time.Now().Add(dur)
	var senders sync.WaitGroup
	for i := 0; i < conc; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			msg := make([]byte, sc.Size)
			rand.Read(msg)
			for time.Now().Before(deadline) {
				stamp := time.Now().UnixNano()
				for i := 7; i >= 0; i-- {
					msg[i] = byte(stamp)
					stamp >>= 8
				}
				if _, err := a.WriteTo(msg, addr); err != nil {
					logger.Warn("Send failed: %v", err)
					return
				}
				sent.Add(1)
				// back off while the receiver is behind
				if sent.Load()-received.Load() > int64(cfg.InboxSize/2) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	senders.Wait()
	time.Sleep(300 * time.Millisecond)
	close(done)
	wg.Wait()

	res.elapsed = dur
	res.sent = sent.Load()
	res.received = received.Load()
	res.bytes = bytes.Load()
	if st := a.Sessions(); len(st) > 0 {
		res.ratchet = st[0].RatchetIndex
	}
	return res, nil
}

func newPair(cfg transport.Config) (*transport.Endpoint, *transport.Endpoint, error) {
	idA, err := protocol.GenerateIdentity()
	if err != nil {
		return nil, nil, err
	}
	idB, err := protocol.GenerateIdentity()
	if err != nil {
		return nil, nil, err
	}
	a, err := transport.Listen("127.0.0.1:0", idA, cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := transport.Listen("127.0.0.1:0", idB, cfg)
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	psk := make([]byte, protocol.PSKSize)
	rand.Read(psk)
	bAddr := b.LocalAddr().(*net.UDPAddr)
	if err := a.AddPeer(transport.Peer{Name: "b", PublicKey: idB.Public, PSK: psk, Addr: bAddr.String()}); err != nil {
		return nil, nil, err
	}
	if err := b.AddPeer(transport.Peer{Name: "a", PublicKey: idA.Public, PSK: psk}); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}
