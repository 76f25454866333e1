package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtkhub/internal/config"
	"rtkhub/internal/driver"
	"rtkhub/internal/ntrip"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./rtkhub.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	drivers := driver.NewManager(cfg.ReceiverLimits)
	defer drivers.Close()

	for _, rc := range cfg.Receivers {
		if err := drivers.Add(rc); err != nil {
			log.Fatalf("receiver %s: %v", rc.ID, err)
		}
	}

	mounts := ntrip.NewManager(cfg.MountHealth, func(pkt ntrip.CorrectionPacket) {
		drivers.Distribute(pkt.Data, pkt.MountID)
	})
	defer mounts.Close()

	for _, mc := range cfg.Mounts {
		if err := mounts.AddMount(mc); err != nil {
			log.Fatalf("mount %s: %v", mc.ID, err)
		}
	}

	log.Printf("rtkhub starting: %d receivers, %d mounts", len(cfg.Receivers), len(cfg.Mounts))

	// Receivers connect independently; a dead device must not take the
	// hub down with it.
	for _, rc := range cfg.Receivers {
		if err := drivers.Connect(ctx, rc.ID); err != nil {
			log.Printf("receiver %s: connect: %v", rc.ID, err)
		}
	}

	if err := mounts.Start(ctx); err != nil {
		log.Fatalf("mount manager start failed: %v", err)
	}

	go statusLoop(ctx, cfg.StatusInterval, drivers, mounts)

	<-ctx.Done()
	log.Printf("rtkhub stopping")
}

func statusLoop(ctx context.Context, interval time.Duration, drivers *driver.Manager, mounts *ntrip.Manager) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range drivers.Status() {
				log.Printf("receiver %s: state=%s frames=%d decode_errors=%d reconnects=%d",
					s.ID, s.State, s.Frames, s.DecodeErrors, s.Reconnects)
			}
			ms := mounts.Status()
			log.Printf("corrections: active=%q age_ms=%d", ms.ActiveMount, ms.LastCorrectionAgeMS)
			for _, mt := range ms.Mounts {
				log.Printf("mount %s: health=%s state=%s rate=%.0fB/s",
					mt.ID, mt.Health, mt.State, mt.BytesPerSec)
			}
		}
	}
}
