// Command mandelserve runs one Mandelbrot-tile coordinator: a Dispatcher
// that leases grid coordinates to workers, a TileServer that answers tile
// queries from persisted results, and optional metrics/gateway HTTP
// endpoints.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ofsouzap/mandelserve/internal/config"
	"github.com/ofsouzap/mandelserve/internal/coordid"
	"github.com/ofsouzap/mandelserve/internal/dispatcher"
	"github.com/ofsouzap/mandelserve/internal/gateway"
	"github.com/ofsouzap/mandelserve/internal/leaseboard"
	"github.com/ofsouzap/mandelserve/internal/metrics"
	"github.com/ofsouzap/mandelserve/internal/storageworker"
	"github.com/ofsouzap/mandelserve/internal/tileserver"
	"github.com/ofsouzap/mandelserve/internal/tilestore"
)

func main() {
	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Fatalf("parsing arguments: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("mandelserve: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, err := tilestore.New(cfg.DataDirectory)
	if err != nil {
		return fmt.Errorf("opening tile store: %w", err)
	}

	m := metrics.New(logger)

	if cfg.MirrorBucket != "" {
		mirror, err := tilestore.OpenBlobMirror(ctx, cfg.MirrorBucket, logger, m.ObserveMirrorError)
		if err != nil {
			return fmt.Errorf("opening mirror bucket %q: %w", cfg.MirrorBucket, err)
		}
		store.SetMirror(mirror)
		logger.Printf("mirroring tiles to %s", cfg.MirrorBucket)
	}

	worker := storageworker.New(storageworker.NewSingleton(), store)
	worker.SetMetrics(m)

	levels := []leaseboard.LevelConfig(cfg.Levels)
	ownedLevels := make([]uint32, len(levels))
	for i, lvl := range levels {
		ownedLevels[i] = lvl.Level
	}

	logger.Printf("reconciling persisted tiles under %s", store.DataDir())
	bar := progressbar.Default(-1, "scanning index")
	entries, err := worker.Enumerate(ownedLevels, bar)
	if err != nil {
		return fmt.Errorf("enumerating persisted tiles: %w", err)
	}
	_ = bar.Finish()
	logger.Printf("found %s persisted tiles for owned levels", humanize.Comma(int64(len(entries))))

	registry := leaseboard.NewOwnershipRegistry()
	board, err := leaseboard.New(levels, registry, leaseboard.DefaultLeaseTTL)
	if err != nil {
		return fmt.Errorf("constructing leaseboard: %w", err)
	}
	defer board.Close()

	coords := make([]coordid.Coord, len(entries))
	for i, e := range entries {
		coords[i] = e.Coord
	}
	board.Seed(coords)

	stop := make(chan struct{})
	board.StartSweeper(leaseboard.DefaultSweepPeriod, stop)
	metrics.StartGaugeSampler(m, 5*time.Second, stop, func() (int, uint64, int64) {
		return board.OutstandingCount(), board.CompletedCount(), worker.QueueDepth()
	})
	defer close(stop)

	readTimeout := dispatcher.DefaultReadTimeout
	tileReadTimeout := tileserver.DefaultReadTimeout
	if !cfg.Timeout {
		readTimeout = 0
		tileReadTimeout = 0
	}

	dispatcherSrv, err := dispatcher.New(dispatcher.Config{
		Addr:        cfg.DistributerAddress(),
		ReadTimeout: readTimeout,
		LogInfo:     cfg.DistributerLogInfo,
		LogError:    cfg.DistributerLogError,
	}, board, worker, logger, m)
	if err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	defer dispatcherSrv.Close()

	tileServerSrv, err := tileserver.New(tileserver.Config{
		Addr:        cfg.DataServerAddress(),
		ReadTimeout: tileReadTimeout,
		LogInfo:     cfg.DataServerLogInfo,
		LogError:    cfg.DataServerLogError,
	}, worker, logger, m)
	if err != nil {
		return fmt.Errorf("starting tile server: %w", err)
	}
	defer tileServerSrv.Close()

	logger.Printf("dispatcher listening on %s", dispatcherSrv.Addr())
	logger.Printf("tile server listening on %s", tileServerSrv.Addr())
	logger.Printf("metrics/gateway listening on %s", cfg.MetricsAddr)

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: httpHandler(cfg, tileServerSrv.Addr().String())}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(dispatcherSrv.Serve)
	group.Go(tileServerSrv.Serve)
	group.Go(func() error {
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics/gateway http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		dispatcherSrv.Close()
		tileServerSrv.Close()
		return httpServer.Close()
	})

	return group.Wait()
}

func httpHandler(cfg *config.Config, tileServerAddr string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	zapLogger, _ := zap.NewProduction()
	gw := gateway.New(tileServerAddr, 5*time.Second, zapLogger)
	notFound := caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		http.NotFound(w, r)
		return nil
	})
	mux.HandleFunc("/tile/", func(w http.ResponseWriter, r *http.Request) {
		_ = gw.ServeHTTP(w, r, notFound)
	})

	var handler http.Handler = mux
	if cfg.CORS != "" {
		handler = cors.New(cors.Options{AllowedOrigins: []string{cfg.CORS}}).Handler(mux)
	}
	return handler
}
