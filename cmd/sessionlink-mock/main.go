package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/mockserver"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sessionlink-mock [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Stand-in for the remote command-execution service. Serves the command\n")
		fmt.Fprintf(os.Stderr, "channel at /ws, the shell channel at /shell and session history at\n")
		fmt.Fprintf(os.Stderr, "/api/projects/{project}/sessions/{session}/messages.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sessionlink-mock --listen :3001\n")
		fmt.Fprintf(os.Stderr, "  sessionlink-mock --auth-token SECRET --ack\n")
	}

	listen := flag.String("listen", ":3001", "HTTP/WebSocket listen address")
	authToken := flag.String("auth-token", "", "optional auth token (Bearer token or ?token=...)")
	allowedOrigins := flag.String("allowed-origins", "", "comma-separated origin patterns for WebSocket CORS (empty = any)")
	ack := flag.Bool("ack", false, "send explicit message-ack frames")
	chunkDelay := flag.Duration("chunk-delay", 50*time.Millisecond, "delay between streamed reply chunks")
	flag.Parse()

	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)

	var origins []string
	for _, o := range strings.Split(*allowedOrigins, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}

	mock := mockserver.New(mockserver.Options{
		Token:          *authToken,
		OriginPatterns: origins,
		Ack:            *ack,
		ChunkDelay:     *chunkDelay,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              *listen,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("mock service listening", "addr", *listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	mock.DropAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
