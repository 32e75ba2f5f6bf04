// Command stress_callbacks floods a streaming controller's callback queues
// while toggling streaming on and off, then checks that every packet was
// completed exactly once.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/ifstack/pkg/avb"
	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/logging"
)

type countingHandler struct {
	egress  uint64
	ingress uint64
	delay   time.Duration
}

func (h *countingHandler) HandleEgressTimestamp(_ any, _ avb.EgressID, _ core.Packet, _ avb.Timestamp) {
	atomic.AddUint64(&h.egress, 1)
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
}

func (h *countingHandler) HandleIngress(_ any, _ core.Packet, _ avb.Timestamp) {
	atomic.AddUint64(&h.ingress, 1)
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
}

func main() {
	var (
		producers = flag.Int("producers", 8, "number of concurrent producers")
		perProd   = flag.Int("per", 2000, "packets per producer")
		pktSize   = flag.Int("size", 256, "packet size (bytes)")
		toggleUs  = flag.Int("toggle", 500, "max microseconds between streaming toggles (0 disables toggling)")
		delayUs   = flag.Int("delay", 0, "microseconds each callback sleeps")
		pollMs    = flag.Int("poll", 5, "worker poll interval in milliseconds")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	flag.Parse()

	logging.SetLevel(logging.WarnLevel)

	ctrl := avb.NewController("stress0", core.StreamingConfig{PollInterval: time.Duration(*pollMs) * time.Millisecond}, nil)
	h := &countingHandler{delay: time.Duration(*delayUs) * time.Microsecond}
	id, err := ctrl.RegisterEgressHandler(h, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register egress: %v\n", err)
		os.Exit(1)
	}
	if err := ctrl.RegisterIngressHandler(h, nil); err != nil {
		fmt.Fprintf(os.Stderr, "register ingress: %v\n", err)
		os.Exit(1)
	}
	if err := ctrl.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "enable: %v\n", err)
		os.Exit(1)
	}
	_ = ctrl.StartTimeSync()
	_ = ctrl.StartStreaming()

	if *pktSize < 1 {
		*pktSize = 1
	}
	payload := make([]byte, *pktSize)
	rand.New(rand.NewSource(*seed)).Read(payload)

	per := *perProd
	total := *producers * per
	counts := make([]int32, total)
	doubleBefore := core.DoubleCompletions()

	stopToggle := make(chan struct{})
	var toggles uint64
	var tw sync.WaitGroup
	if *toggleUs > 0 {
		tw.Add(1)
		go func() {
			defer tw.Done()
			rng := rand.New(rand.NewSource(*seed + 1))
			for {
				select {
				case <-stopToggle:
					return
				default:
				}
				if rng.Intn(2) == 0 {
					_ = ctrl.StopStreaming()
				} else {
					_ = ctrl.StartStreaming()
				}
				atomic.AddUint64(&toggles, 1)
				time.Sleep(time.Duration(rng.Intn(*toggleUs)+1) * time.Microsecond)
			}
		}()
	}

	var refused uint64
	start := time.Now()
	var wg sync.WaitGroup
	for p := 0; p < *producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(*seed + int64(p) + 2))
			for i := 0; i < per; i++ {
				idx := p*per + i
				pkt := core.NewCompletionPacket(append([]byte(nil), payload...), func(core.Packet) {
					atomic.AddInt32(&counts[idx], 1)
				})
				var err error
				if rng.Intn(2) == 0 {
					err = ctrl.CompleteEgress(id, pkt, avb.Timestamp(idx))
				} else {
					err = ctrl.DeliverIngress(pkt, avb.Timestamp(idx))
				}
				if err != nil {
					atomic.AddUint64(&refused, 1)
				}
			}
		}(p)
	}
	wg.Wait()
	enqDur := time.Since(start)

	close(stopToggle)
	tw.Wait()
	_ = ctrl.Shutdown()

	var missing, duplicated int
	for i := range counts {
		switch n := atomic.LoadInt32(&counts[i]); {
		case n == 0:
			missing++
		case n > 1:
			duplicated++
		}
	}

	m := ctrl.Metrics()
	fmt.Printf("Enqueue duration: %v (%d packets, %d toggles)\n", enqDur, total, atomic.LoadUint64(&toggles))
	fmt.Printf("Callbacks: egress=%d ingress=%d refused=%d drained=%d\n",
		atomic.LoadUint64(&h.egress), atomic.LoadUint64(&h.ingress), atomic.LoadUint64(&refused), m["drained"])
	fmt.Printf("Worker: starts=%d transitions=%d rejected=%d\n", m["worker_starts"], m["transitions"], m["rejected"])

	failed := false
	if missing > 0 || duplicated > 0 {
		fmt.Printf("ERROR: %d packets never completed, %d completed more than once\n", missing, duplicated)
		failed = true
	}
	if d := core.DoubleCompletions() - doubleBefore; d > 0 {
		fmt.Printf("ERROR: %d double completions recorded\n", d)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("OK: every packet completed exactly once")
}
