// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	kvm "github.com/tenthirtyam/go-kvm"
	"github.com/tenthirtyam/go-kvm/config"
	"github.com/tenthirtyam/go-kvm/metrics/prometheus"
	"github.com/tenthirtyam/go-kvm/relay"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a viewer session",
	Long: `Open a viewer session on an appliance channel and stay connected
until interrupted. Video can be relayed as RTP or recorded to a file.

Examples:
  # Watch channel 2 and record the H.264 stream
  kvmctl connect --address 10.0.0.20 --channel 2 --record screen.h264

  # Relay to a local player (ffplay -protocol_whitelist file,udp,rtp -i stream.sdp)
  kvmctl connect --address 10.0.0.20 --rtp 127.0.0.1:5004`,
	RunE: runConnect,
}

func init() {
	addApplianceFlags(connectCmd)
	connectCmd.Flags().String("record", "", "write the raw video stream to this file")
	connectCmd.Flags().String("rtp", "", "relay H.264 as RTP to host:port")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("record") {
		cfg.Relay.RecordPath, _ = cmd.Flags().GetString("record")
	}
	if cmd.Flags().Changed("rtp") {
		cfg.Relay.RTPAddress, _ = cmd.Flags().GetString("rtp")
	}

	return runSession(cmd, cfg, kvm.RoleViewer, nil)
}

// runSession dials the appliance with the relays described by cfg, then
// blocks until the session closes or the process is interrupted. onReady runs
// on the read loop once the session reaches the normal stage.
func runSession(cmd *cobra.Command, cfg *config.Config, role kvm.Role, onReady func(*kvm.Session) error) error {
	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := prometheus.NewCollector()
	hub := relay.NewEventHub(logger)
	defer hub.Close()

	handlers := []kvm.EventHandler{hub, consoleHandler(cmd.OutOrStdout(), cfg, onReady)}
	var closers []io.Closer

	if cfg.Relay.RecordPath != "" && role == kvm.RoleViewer {
		rec, err := relay.CreateRecorder(cfg.Relay.RecordPath)
		if err != nil {
			return err
		}
		handlers = append(handlers, rec)
		closers = append(closers, rec)
	}
	if cfg.Relay.RTPAddress != "" && role == kvm.RoleViewer {
		rtpRelay, err := relay.NewRTPRelay(cfg.Relay.RTPAddress, cfg.Relay.MTU, logger)
		if err != nil {
			return err
		}
		handlers = append(handlers, rtpRelay)
		closers = append(closers, rtpRelay)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("Close failed", kvm.Field{Key: "error", Value: err})
			}
		}
	}()

	var status *statusServer
	if cfg.Metrics.Enabled {
		status = newStatusServer(cfg.Metrics.Port, collector, hub, logger)
		status.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = status.Shutdown(shutdownCtx)
		}()
	}

	opts := append(cfg.SessionOptions(role),
		kvm.WithLogger(logger),
		kvm.WithMetrics(collector),
		kvm.WithEventHandler(kvm.Handlers(handlers...)),
	)
	session, err := kvm.Dial(ctx, cfg.Appliance.Address, opts...)
	if err != nil {
		return err
	}
	if status != nil {
		status.Attach(session)
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
		_ = session.Close()
	}

	reason := session.CloseReason()
	fmt.Fprintf(cmd.OutOrStdout(), "Session closed: %s\n", reason)
	return nil
}

// consoleHandler prints handshake milestones and answers auth requests the
// configuration cannot.
func consoleHandler(out io.Writer, cfg *config.Config, onReady func(*kvm.Session) error) kvm.EventHandler {
	return kvm.EventHandlerFunc(func(s *kvm.Session, ev kvm.Event) {
		switch ev.Kind {
		case kvm.EventDevice:
			if d, ok := ev.Data.(*kvm.DeviceDescriptor); ok {
				fmt.Fprintf(out, "Device %s (%s), %d channels\n", d.Name, d.ID, d.ChannelCount)
			}
		case kvm.EventRequireAuth:
			if req, ok := ev.Data.(kvm.AuthRequest); ok {
				fmt.Fprintf(out, "Appliance requires %v; set appliance.account and appliance.password\n", req.Selected)
			}
			s.GracefulClose("credentials required")
		case kvm.EventAuthFailed:
			fmt.Fprintf(out, "Authentication failed: %v\n", ev.Data)
		case kvm.EventImageInfo, kvm.EventImageInfoChanged:
			if info, ok := ev.Data.(kvm.ImageInfo); ok {
				fmt.Fprintf(out, "Screen %dx%d\n", info.Width, info.Height)
			}
		case kvm.EventAfterInitialisation:
			fmt.Fprintf(out, "Connected to channel %d\n", cfg.Appliance.Channel)
			if onReady != nil {
				if err := onReady(s); err != nil {
					fmt.Fprintf(out, "Error: %v\n", err)
					s.GracefulClose(err.Error())
				}
			}
		case kvm.EventProtocolError:
			fmt.Fprintf(out, "Protocol error: %s\n", ev.Message)
		}
	})
}
