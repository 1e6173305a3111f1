package main

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-delayline/modules/attach"
	"github.com/e7canasta/orion-delayline/modules/compositor"
	"github.com/e7canasta/orion-delayline/modules/framebus"
	"github.com/e7canasta/orion-delayline/modules/livesource"
	"github.com/e7canasta/orion-delayline/modules/playback"
	"github.com/e7canasta/orion-delayline/modules/streamcapture"
)

// components is everything the reporter reads from.
type components struct {
	stream     streamcapture.StreamProvider
	live       *livesource.Source
	runner     *attach.Runner
	scheduler  *playback.Scheduler
	compositor *compositor.Compositor
	bus        framebus.Bus
	frameSaver *FrameSaver
}

// snapshot collects the runner-owned stats on the runner goroutine.
func (c *components) snapshot(ctx context.Context) (attach.MonitorStats, playback.Stats, bool) {
	var ms attach.MonitorStats
	var ss playback.Stats
	err := c.runner.Do(ctx, func(m *attach.Monitor) {
		ms = m.Stats()
		ss = c.scheduler.Stats()
	})
	return ms, ss, err == nil
}

// reportStats periodically prints statistics from all pipeline components
func reportStats(ctx context.Context, interval time.Duration, c *components) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printLiveStats(ctx, time.Since(startTime), c)
		}
	}
}

// printLiveStats prints current statistics from all components
func printLiveStats(ctx context.Context, uptime time.Duration, c *components) {
	streamStats := c.stream.Stats()
	liveStats := c.live.Stats()
	runnerStats := c.runner.Stats()
	compStats := c.compositor.Stats()
	busStats := c.bus.Stats()

	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Delay Line Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Stream Capture:")
	fmt.Printf("│   Frames Captured:    %6d frames\n", streamStats.FrameCount)
	fmt.Printf("│   Frames Dropped:     %6d frames (%.1f%%)\n", streamStats.FramesDropped, streamStats.DropRate)
	fmt.Printf("│   Target FPS:         %6.2f fps\n", streamStats.FPSTarget)
	fmt.Printf("│   Real FPS:           %6.2f fps\n", streamStats.FPSReal)
	fmt.Printf("│   Latency:            %6d ms\n", streamStats.LatencyMS)
	fmt.Printf("│   Reconnects:         %6d\n", streamStats.Reconnects)
	fmt.Printf("│   Connected:          %6v\n", streamStats.IsConnected)
	fmt.Printf("│   Position:           %v\n", streamStats.Position.Round(time.Millisecond))

	fmt.Println("│")
	fmt.Println("│ Live Source:")
	fmt.Printf("│   Published:          %6d (overwritten %d)\n", liveStats.Published, liveStats.Overwritten)
	fmt.Printf("│   Displayed:          %v\n", liveStats.Displayed)

	if ms, ss, ok := c.snapshot(ctx); ok {
		fmt.Println("│")
		fmt.Println("│ Playback:")
		fmt.Printf("│   State:              %s (armed=%v, delay=%dms)\n", ss.State, ms.Armed, ms.Config.DelayMs)
		fmt.Printf("│   Sessions:           %6d (autoplay exits %d)\n", ss.Sessions, ms.AutoplayExits)
		fmt.Printf("│   Buffered:           %6d frames (expired %d, overflow %d)\n", ss.Buffered, ss.Expired, ss.Overflow)
		fmt.Printf("│   Detected Rate:      %6.2f fps (interval %v)\n", ss.DetectedRate, ss.FrameInterval)
		fmt.Printf("│   Captions:           attached=%v scheduled=%d renders=%d\n",
			ss.CaptionsAttached, ss.CaptionsScheduled, ss.CaptionRenders)
		fmt.Printf("│   Pool:               %d outstanding\n", ss.Pool.Outstanding)
	}

	fmt.Println("│")
	fmt.Println("│ Runner:")
	fmt.Printf("│   Ticks:              %6d (idle %d)\n", runnerStats.Ticks, runnerStats.IdleTicks)
	fmt.Printf("│   Events:             %6d (dropped %d)\n", runnerStats.Events, runnerStats.Dropped)

	fmt.Println("│")
	fmt.Println("│ Output:")
	fmt.Printf("│   Canvas:             %v\n", compStats.Canvas)
	fmt.Printf("│   Published:          %6d (passthrough %d)\n", compStats.Published, compStats.Passthrough)
	fmt.Printf("│   Last JPEG:          %6d KB\n", compStats.LastJPEGSize/1024)
	fmt.Printf("│   Bus Subscribers:    %6d (drop rate %.1f%%)\n",
		len(busStats.Subscribers), framebus.CalculateDropRate(busStats)*100)

	if c.frameSaver != nil {
		saved, dropped := c.frameSaver.Stats()
		fmt.Println("│")
		fmt.Println("│ Frame Saving:")
		fmt.Printf("│   Frames Saved:       %6d frames\n", saved)
		fmt.Printf("│   Save Drops:         %6d frames (%.1f%% success)\n", dropped, successRate(saved, dropped))
	}

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

// printFinalStats prints final statistics at shutdown
func printFinalStats(c *components) {
	streamStats := c.stream.Stats()
	compStats := c.compositor.Stats()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")

	fmt.Printf("  Frames Captured:       %d frames\n", streamStats.FrameCount)
	fmt.Printf("  Stream Drops:          %d frames (%.1f%%)\n", streamStats.FramesDropped, streamStats.DropRate)
	fmt.Printf("  Average FPS:           %.2f fps\n", streamStats.FPSReal)
	fmt.Printf("  Reconnection Count:    %d\n", streamStats.Reconnects)
	fmt.Printf("  Frames Published:      %d (passthrough %d)\n", compStats.Published, compStats.Passthrough)
	fmt.Printf("  Surfaces Opened:       %d\n", compStats.Opened)

	if c.frameSaver != nil {
		saved, dropped := c.frameSaver.Stats()
		fmt.Println()
		fmt.Printf("  Frames Saved:          %d (%.1f%% success)\n", saved, successRate(saved, dropped))
		if dropped > 0 {
			fmt.Printf("  Save Drops:            %d\n", dropped)
		}
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}

// successRate is the saved percentage of all attempts.
func successRate(saved, dropped uint64) float64 {
	total := saved + dropped
	if total == 0 {
		return 100.0
	}
	return float64(saved) / float64(total) * 100.0
}
