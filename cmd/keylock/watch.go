package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

func (a *app) watchCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch [KEY]",
		Short: "Print lock events for a key as JSON lines",
		Long: `Subscribe to the event bus and print every acquire and release of
KEY until interrupted. With the memory and sqlite backends only events of
this process are visible unless --kafka-brokers is set.

With --listen the events of any key are also served over HTTP:
/events?key=KEY streams Server-Sent Events and /ws?key=KEY a WebSocket.
KEY may then be omitted.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && listen == "" {
				return errors.New("watch needs a KEY or --listen")
			}
			if listen != "" {
				a.serveEvents(listen)
			}
			if len(args) == 0 {
				<-cmd.Context().Done()
				return nil
			}
			return a.printEvents(cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve lock events over HTTP on this address")
	return cmd
}

func (a *app) printEvents(cmd *cobra.Command, key string) error {
	ctx := cmd.Context()
	events, err := a.backend.Bus.Subscribe(ctx, key)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}

func (a *app) serveEvents(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/events", syncbus.SSEHandler(a.backend.Bus))
	mux.Handle("/ws", syncbus.WebSocketHandler(a.backend.Bus))
	// streams never end on their own; cancelling base ends them on shutdown
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("keylock: event server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("keylock: serving lock events", "addr", addr)
	a.cleanup = append(a.cleanup, func(ctx context.Context) error {
		cancel()
		return srv.Shutdown(ctx)
	})
}
