package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/nic"
	"github.com/irctrakz/nicshim/pkg/pattern"
	"github.com/irctrakz/nicshim/pkg/session"
	wg "github.com/irctrakz/nicshim/pkg/wireguard"
)

// Offset of the UDP destination port in an untagged Ethernet/IPv4 frame.
const dstPortOffset = 14 + 20 + 2

func main() {
	var (
		flows    = flag.Int("flows", 8, "number of simulated flows")
		perFlow  = flag.Int("per", 2000, "frames per flow to send")
		size     = flag.Int("size", 512, "payload size (bytes)")
		maxFrame = flag.Int("max", 1024, "capture store limit (0 = unlimited)")
		linkCap  = flag.Int("linkcap", 64, "link queue capacity")
		holdMs   = flag.Int("hold", 500, "milliseconds to hold captured frames before release")
		drainMs  = flag.Int("drain", 1000, "milliseconds to drain the link after release")
	)
	flag.Parse()

	logging.SetLevel(logging.InfoLevel)

	adapter, err := nic.NewMockAdapter(core.AdapterConfig{Name: "stress0", MTU: 9000})
	if err != nil {
		fmt.Println("ERROR:", err)
		return
	}
	link := wg.NewLink("wg-stress0", 9000, *linkCap, adapter)
	defer link.Close()
	adapter.SetMedium(link)

	reg := session.NewRegistry()
	sess, err := reg.Open(adapter, session.Config{
		Capture:        core.CaptureConfig{MaxCapturedFrames: *maxFrame},
		ManualWatchdog: true,
	})
	if err != nil {
		fmt.Println("ERROR:", err)
		return
	}
	defer reg.CloseAll()
	adapter.SetHooks(sess)

	// Capture every flow on even ports; odd ports pass straight through.
	f := pattern.At(dstPortOffset, []byte{0x00, 0x00})
	f.Mask = make([]byte, len(f.Pattern))
	f.Mask[len(f.Mask)-1] = 0x01
	if err := sess.SetFrameFilter(f.Pattern, f.Mask); err != nil {
		fmt.Println("ERROR: set filter:", err)
		return
	}

	if *size < 1 {
		*size = 1
	}
	payload := make([]byte, *size)
	rand.Read(payload)

	start := time.Now()
	var sendErrs int
	for i := 0; i < *flows; i++ {
		frame, err := dump.UDPFrame{
			SrcMAC:  adapter.MAC(),
			DstMAC:  wg.PeerMAC,
			SrcIP:   net.IPv4(10, 0, 0, 2),
			DstIP:   net.IPv4(10, 0, 0, 1),
			SrcPort: 40000,
			DstPort: uint16(5000 + i),
			Payload: payload,
		}.Build()
		if err != nil {
			fmt.Println("ERROR: build frame:", err)
			return
		}
		for j := 0; j < *perFlow; j++ {
			if err := adapter.Send(core.NewFrame(append([]byte(nil), frame...))); err != nil {
				sendErrs++
			}
		}
	}
	sendDur := time.Since(start)
	held := sess.Stats().Frames

	time.Sleep(time.Duration(*holdMs) * time.Millisecond)

	stopDrain := make(chan struct{})
	drained := make(chan int)
	go func() {
		bufs := [][]byte{make([]byte, 65536)}
		sizes := make([]int, 1)
		n := 0
		for {
			select {
			case <-stopDrain:
				drained <- n
				return
			default:
			}
			if c, err := link.Read(bufs, sizes, 0); err == nil {
				n += c
			}
		}
	}()

	releaseStart := time.Now()
	if err := sess.FlushAllFrames(); err != nil {
		fmt.Println("ERROR: flush:", err)
	}
	releaseDur := time.Since(releaseStart)

	time.Sleep(time.Duration(*drainMs) * time.Millisecond)
	// Unblock a Read waiting on an empty queue.
	link.Close()
	close(stopDrain)
	n := <-drained

	am := adapter.Metrics()
	lm := link.Metrics()
	fmt.Printf("Send duration: %v release duration: %v send_errors=%d\n", sendDur, releaseDur, sendErrs)
	fmt.Printf("Capture: held=%d limit=%d filter_len=%d\n", held.Captured, *maxFrame, held.FilterLength)
	fmt.Printf("Adapter: sent=%d captured=%d returned=%d errors=%d\n",
		am.FramesSent, am.FramesCaptured, am.FramesReturned, am.Errors)
	fmt.Printf("Link: toPeer=%d drained=%d drops=%d full_bursts=%d max_full_streak=%d\n",
		lm.FramesToPeer, n, lm.QueueDrops, lm.FullBursts, lm.MaxFullStreak)

	if am.FramesCaptured == 0 {
		fmt.Println("WARN: nothing captured; check the filter offset")
	}
	if *maxFrame > 0 && held.Captured > *maxFrame {
		fmt.Println("ERROR: capture store exceeded its limit")
	}
	if am.FramesReturned != am.FramesCaptured {
		fmt.Println("ERROR: captured frames were not all returned")
	}
	if lm.QueueDrops == 0 {
		fmt.Println("WARN: did not observe link queue drops; lower linkcap")
	}
}
