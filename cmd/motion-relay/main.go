package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/motion.relay/internal/config"
	"github.com/banshee-data/motion.relay/internal/coordinator"
	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitor"
	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/relay"
	"github.com/banshee-data/motion.relay/internal/serialmux"
	"github.com/banshee-data/motion.relay/internal/sink"
	"github.com/banshee-data/motion.relay/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to the JSON config file (defaults apply when empty)")
	rank        = flag.Int("rank", -1, "Rank of this process: 0 is the master, 1 the worker, higher ranks idle")
	listen      = flag.String("listen", "localhost:8080", "Admin HTTP listen address (empty disables)")
	devMode     = flag.Bool("dev", false, "Replay a fixture file instead of opening the serial port")
	fixtures    = flag.String("fixtures", "fixtures.txt", "Fixture file replayed in dev mode")
	dbPath      = flag.String("db-path", "", "History database path (overrides db_path in the config)")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

// fixtureInterval matches the sensor's output cadence.
const fixtureInterval = 100 * time.Millisecond

func main() {
	flag.Usage = printUsage
	flag.Parse()
	os.Exit(realMain())
}

func realMain() int {
	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			cfg, err := loadConfig(*configPath)
			if err != nil {
				log.Printf("%v", err)
				return 1
			}
			if err := db.RunMigrateCommand(flag.Args()[1:], historyPath(cfg), os.Stdout); err != nil {
				if errors.Is(err, db.ErrUsage) {
					fmt.Fprintln(os.Stderr, err)
					return 2
				}
				log.Printf("migrate: %v", err)
				return 1
			}
			return 0
		case "help":
			printUsage()
			return 0
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
			printUsage()
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting %s", version.String())
	if err := run(ctx); err != nil {
		log.Printf("motion-relay: %v", err)
		return 1
	}
	log.Printf("Graceful shutdown complete")
	return 0
}

func printUsage() {
	fmt.Fprintln(flag.CommandLine.Output(), `motion-relay - two-process motion detection relay

Usage:
  motion-relay -rank <n> [flags]         Run as the master (0), worker (1) or idle (2+)
  motion-relay migrate <command>         Manage the history database schema
  motion-relay help                      Show this help message

Secrets:
  The 32 byte shared key is read, hex encoded, from key_file in the config or
  from MOTION_RELAY_KEY. An optional static IV comes from iv_file or
  MOTION_RELAY_IV.

Flags:`)
	flag.PrintDefaults()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func historyPath(cfg *config.Config) string {
	if *dbPath != "" {
		return *dbPath
	}
	return cfg.GetDBPath()
}

func run(ctx context.Context) error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	topo, err := cfg.Topology(*rank)
	if err != nil {
		return fmt.Errorf("invalid group: %w", err)
	}
	role := topo.Role()
	log.Printf("rank %d of %d: %s (peers %v)", topo.Rank, topo.Size, role, cfg.PeerRanks())

	if role == coordinator.RoleIdle {
		<-ctx.Done()
		return nil
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	stats := monitoring.Default
	stats.Publish("motion_relay")

	history, err := db.NewDB(historyPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer history.Close()

	mux := http.NewServeMux()
	if err := history.AttachAdminRoutes(mux); err != nil {
		return err
	}
	monitor.AttachAdminRoutes(mux, history)

	// stop the admin server when the role finishes on its own
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if role == coordinator.RoleWorker {
		serveAdmin(runCtx, &wg, *listen, mux)
		return runWorker(runCtx, cfg, topo, codec, history, stats)
	}

	source, err := openSerial(cfg, stats)
	if err != nil {
		return err
	}
	defer source.Close()
	source.AttachAdminRoutes(mux)
	serveAdmin(runCtx, &wg, *listen, mux)

	return runMaster(runCtx, cfg, topo, codec, source, history, stats)
}

func newCodec(cfg *config.Config) (*framecodec.Codec, error) {
	key, err := cfg.LoadKey()
	if err != nil {
		return nil, err
	}
	iv, err := cfg.LoadIV()
	if err != nil {
		return nil, err
	}
	if iv != nil {
		log.Printf("using the provisioned static IV for every frame")
	}
	return framecodec.NewCodec(key, iv)
}

func openSerial(cfg *config.Config, stats *monitoring.Stats) (serialmux.SerialMuxInterface, error) {
	opts := serialmux.Options{IdleWait: cfg.GetIdleWait(), Stats: stats}
	if *devMode {
		data, err := os.ReadFile(*fixtures)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		log.Printf("dev mode: replaying %s", *fixtures)
		return serialmux.NewSerialMux(serialmux.NewFixturePort(data, fixtureInterval, false), opts), nil
	}

	port := cfg.GetSerialPort()
	source, err := serialmux.NewRealSerialMux(port, cfg.GetPortOptions(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	log.Printf("opened serial port %s", port)
	return source, nil
}

func runMaster(ctx context.Context, cfg *config.Config, topo coordinator.GroupTopology, codec *framecodec.Codec, source serialmux.SerialMuxInterface, history *db.DB, stats *monitoring.Stats) error {
	var out sink.Sink = sink.NewLogSink()
	if cfg.MQTTEnabled() {
		s, err := sink.DialMQTT(ctx, cfg.SinkConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		out = s
	}
	defer out.Close()

	cycler, err := relay.DialWorker(ctx, topo.WorkerAddr(), cfg.GetDialTimeout(), cfg.GetReceiveTimeout(), codec, stats)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to reach worker: %w", err)
	}

	m, err := relay.NewMaster(source, cycler, relay.MasterOptions{
		GX:          cfg.GXParams(),
		GYThreshold: cfg.GetGYThreshold(),
		Codec:       codec,
		Sink:        out,
		Recorder:    history,
		Stats:       stats,

		PublishTimeout: cfg.GetPublishTimeout(),
	})
	if err != nil {
		cycler.Shutdown(ctx, framecodec.ReasonFatal)
		return err
	}

	res, err := m.Run(ctx)
	log.Printf("run %s %s: %d samples, %d cycles (%+v)", res.RunID, res.Status, res.Samples, res.Cycles, stats.Snapshot())
	return err
}

func runWorker(ctx context.Context, cfg *config.Config, topo coordinator.GroupTopology, codec *framecodec.Codec, history *db.DB, stats *monitoring.Stats) error {
	ln, err := coordinator.Listen(ctx, topo.WorkerAddr())
	if err != nil {
		return err
	}
	defer ln.Close()

	return relay.RunWorker(ctx, ln, codec, relay.WorkerOptions{
		GY:          cfg.GYParams(),
		IdleTimeout: cfg.GetIdleTimeout(),
		Recorder:    history,
		Stats:       stats,
	})
}

// serveAdmin runs the debug HTTP server until ctx is done.
func serveAdmin(ctx context.Context, wg *sync.WaitGroup, addr string, mux *http.ServeMux) {
	if addr == "" {
		return
	}
	server := &http.Server{Addr: addr, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin server failed: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()
}
