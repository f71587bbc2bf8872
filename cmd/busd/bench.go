package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/busd"
	"pkt.systems/busd/api"
	"pkt.systems/pslog"
)

func newBenchCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		messages  int
		payload   string
		receivers int
	)
	cmd := &cobra.Command{
		Use:          "bench",
		Short:        "Measure send/receive throughput on an in-process bus",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if messages <= 0 {
				return fmt.Errorf("--messages must be positive")
			}
			if receivers <= 0 {
				return fmt.Errorf("--receivers must be positive")
			}
			size, err := humanize.ParseBytes(payload)
			if err != nil {
				return fmt.Errorf("parse --payload: %w", err)
			}
			bus, tel, logger, err := setupBus(cmd.Context(), baseLogger)
			if err != nil {
				return err
			}
			if tel != nil {
				defer func() {
					shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = tel.Shutdown(shctx)
				}()
			}
			logger.Info("bench.start",
				"messages", messages, "payload", size, "receivers", receivers)

			ctx := cmd.Context()
			sender := bus.CreatePeer(api.Creds{UID: 1000}, api.View{})
			defer func() { _ = sender.Teardown(context.Background()) }()

			dests := make([]uint64, receivers)
			peers := make([]*busd.Peer, receivers)
			for i := range dests {
				p := bus.CreatePeer(api.Creds{UID: uint32(2000 + i)}, api.View{})
				peers[i] = p
				id, err := bus.Grant(p, p.CreateNode(), sender)
				if err != nil {
					return err
				}
				dests[i] = id
			}
			defer func() {
				for _, p := range peers {
					_ = p.Teardown(context.Background())
				}
			}()

			c, params, err := newCaller(make([]byte, size), dests, nil)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, p := range peers {
				p := p
				g.Go(func() error {
					for range messages {
						if _, err := p.Recv(gctx); err != nil {
							return err
						}
					}
					return nil
				})
			}

			start := time.Now()
			g.Go(func() error {
				for range messages {
					if err := sender.Send(gctx, c.space, params); err != nil {
						return err
					}
				}
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			delivered := messages * receivers
			rate := float64(delivered) / elapsed.Seconds()
			volume := uint64(delivered) * size
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sent %s messages to %d receiver(s) in %s\n",
				humanize.Comma(int64(messages)), receivers, elapsed.Round(time.Millisecond))
			fmt.Fprintf(out, "Delivered: %s messages, %s payload\n",
				humanize.Comma(int64(delivered)), humanize.Bytes(volume))
			fmt.Fprintf(out, "Throughput: %s msg/s, %s/s\n",
				humanize.CommafWithDigits(rate, 0), humanize.Bytes(uint64(float64(volume)/elapsed.Seconds())))
			logger.Info("bench.done", "elapsed", elapsed, "rate_msgs_per_sec", rate)
			return nil
		},
	}
	cmd.Flags().IntVar(&messages, "messages", 100000, "messages to send")
	cmd.Flags().StringVar(&payload, "payload", "1KiB", "payload size per message")
	cmd.Flags().IntVar(&receivers, "receivers", 1, "destination peers per send")
	return cmd
}
