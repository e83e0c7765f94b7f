// fakeengine serves the in-process fake compute engine on one or more ports
// for local development against flowtask without a real engine.
// Usage: go run ./cmd/fakeengine -host 127.0.0.1 -ports 8188,8189
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flowtask/internal/backend/comfytest"
	"github.com/seantiz/flowtask/internal/model"
)

func main() {
	host := flag.String("host", envOr("FAKEENGINE_HOST", "127.0.0.1"), "listen host")
	portList := flag.String("ports", envOr("FAKEENGINE_PORTS", "8188"), "comma-separated listen ports")
	delay := flag.Duration("step-delay", 300*time.Millisecond, "delay between emitted progress frames")
	flag.Parse()

	var raw []int
	for p := range strings.SplitSeq(*portList, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			log.Fatalf("invalid port %q", p)
		}
		raw = append(raw, n)
	}
	ports, err := model.NormalizePorts(raw)
	if err != nil {
		log.Fatalf("invalid ports: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		fake := comfytest.NewEngine()
		fake.SetAutoRun(true, *delay)
		srv := &http.Server{
			Addr:              net.JoinHostPort(*host, strconv.Itoa(port)),
			Handler:           fake,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("fakeengine: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("fakeengine: %v", err)
	}
	logger.Info("fakeengine: stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
