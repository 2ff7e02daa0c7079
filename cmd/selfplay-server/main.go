// cmd/selfplay-server hosts the distributed model registry of spec.md
// §4.G over two listeners: the pkg/rpc/pkg/transport wire protocol that
// pkg/distributed clients poll, and a plain HTTP /status endpoint for
// dashboards (cmd/ratingchart's data source). There is no teacher
// precedent for a long-running server process (the teacher's arena.go
// is a one-shot in-process match); grounded on
// _examples/niceyeti-tabular's net/http+gorilla/mux status server and
// _examples/lox-pokerforbots' errgroup-bounded "run until ctx done"
// shape for running both listeners side by side.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/corvidlabs/selfplay/pkg/registry"
	"github.com/corvidlabs/selfplay/pkg/replay"
)

var cli struct {
	RPCEndpoint    string `default:":7700" help:"Address the rpc/transport listener binds to."`
	HTTPEndpoint   string `default:":7701" help:"Address the HTTP /status listener binds to."`
	ReplayCapacity int    `default:"65536" help:"Capacity of the server-side replay buffer sampleReplay serves from."`
	ReplayWorkers  int    `default:"8" help:"Worker count for the server-side replay buffer."`
}

func main() {
	kong.Parse(&cli)
	logger := log.Default().WithPrefix("selfplay-server")

	reg := registry.New()
	buf, err := replay.NewBuffer(cli.ReplayCapacity, cli.ReplayWorkers)
	if err != nil {
		logger.Fatal("failed to build replay buffer", "error", err)
	}

	onTrainData := func(b replay.Batch) error {
		return buf.Add(b)
	}
	server := registry.NewServer(reg, onTrainData, buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	httpServer := &http.Server{
		Addr:              cli.HTTPEndpoint,
		Handler:           reg.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cli.RPCEndpoint)
	})
	g.Go(func() error {
		logger.Info("status endpoint listening", "endpoint", cli.HTTPEndpoint)
		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
	}
}
