package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/cloud/httpcloud"
	"github.com/c0deZ3R0/go-persistent-stack/cloud/pgcloud"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

var (
	serveAddr        string
	serveCompression bool
	servePostgres    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a cloud backend over HTTP",
	Long: `serve runs a cloud backend that keeps its accounts in memory, or in
PostgreSQL with --postgres. Point other pstack invocations at it with --cloud-url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		backend, closeBackend, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeBackend()
		return serve(ctx, serveAddr, backend)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8750", "listen address")
	serveCmd.Flags().BoolVar(&serveCompression, "compression", true, "gzip large responses")
	serveCmd.Flags().StringVar(&servePostgres, "postgres", "", "PostgreSQL connection string; empty keeps accounts in memory")
}

func openBackend(ctx context.Context) (cloud.Backend, func(), error) {
	if servePostgres == "" {
		return cloud.NewMemoryBackend(), func() {}, nil
	}
	cfg := pgcloud.DefaultConfig(servePostgres)
	cfg.Logger = logging.WithComponent("pgcloud")
	b, err := pgcloud.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { b.Close() }, nil
}

func serve(ctx context.Context, addr string, backend cloud.Backend) error {
	logger := logging.WithComponent("serve")
	handler := httpcloud.NewServer(backend,
		httpcloud.WithCompression(serveCompression),
		httpcloud.WithServerLogger(logging.WithComponent("httpcloud")),
	)

	// Request contexts derive from baseCtx so event streams end on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving cloud backend", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
