// Command dna-node runs the ingestion and segment-compaction services
// against a chain provider. With --server.enabled it resolves and logs the
// collaborators a stream.Service would use; it opens no stream listener.
// It is wired the way beacon-chain/main.go wires
// node.NewBeaconNode: a single urfave/cli App with one Action, a
// log-format Before hook, and a panic-recovery wrapper around app.Run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	runtimeDebug "runtime/debug"
	"syscall"

	"github.com/apibara/dna/chainview"
	"github.com/apibara/dna/coordinator"
	"github.com/apibara/dna/ingestion"
	"github.com/apibara/dna/internal/memkv"
	"github.com/apibara/dna/params"
	"github.com/apibara/dna/provider"
	"github.com/apibara/dna/provider/beacon"
	"github.com/apibara/dna/provider/evm"
	"github.com/apibara/dna/provider/starknet"
	"github.com/apibara/dna/segment"
	"github.com/apibara/dna/sequencer"
	"github.com/apibara/dna/sequencer/boltstore"
	"github.com/apibara/dna/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"golang.org/x/sync/errgroup"
)

var (
	providerKindFlag = &cli.StringFlag{
		Name:     "provider.kind",
		Usage:    "chain provider to dial: evm, starknet, or beacon",
		Required: true,
	}
	providerURLFlag = &cli.StringFlag{
		Name:     "provider.url",
		Usage:    "RPC endpoint of the chain provider",
		Required: true,
	}
	roleIngestionFlag = &cli.BoolFlag{
		Name:  "role.ingestion",
		Usage: "run the ingestion and segment-compaction loops in this process",
	}
	roleHolderFlag = &cli.StringFlag{
		Name:  "role.holder",
		Usage: "identity used to contend for the ingestion leader lease",
		Value: "dna-node",
	}
	serverEnabledFlag = &cli.BoolFlag{
		Name:  "server.enabled",
		Usage: "resolve and log the stream server's collaborators in this process (no listener is opened)",
	}
	serverAddressFlag = &cli.StringFlag{
		Name:  "server.address",
		Usage: "address the stream server listens on",
		Value: "0.0.0.0:7171",
	}
	serverCacheDirFlag = &cli.StringFlag{
		Name:  "server.cache-dir",
		Usage: "local directory for the sequencer's durable store",
		Value: "./data/dna-node",
	}
	serverMaxConcurrentStreamsFlag = &cli.IntFlag{
		Name:  "server.max-concurrent-streams",
		Usage: "maximum number of concurrently open streams",
		Value: 1000,
	}
	metricsAddressFlag = &cli.StringFlag{
		Name:  "metrics.address",
		Usage: "address the Prometheus metrics endpoint listens on",
		Value: "0.0.0.0:9090",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "log output format: text or json",
		Value: "text",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "logging verbosity",
		Value: "info",
	}
)

var appFlags = []cli.Flag{
	providerKindFlag,
	providerURLFlag,
	roleIngestionFlag,
	roleHolderFlag,
	serverEnabledFlag,
	serverAddressFlag,
	serverCacheDirFlag,
	serverMaxConcurrentStreamsFlag,
	metricsAddressFlag,
	logFormatFlag,
	verbosityFlag,
}

func main() {
	log := logrus.WithField("prefix", "main")

	app := cli.NewApp()
	app.Name = "dna-node"
	app.Usage = "ingests, compacts and streams a chain's canonical history"
	app.Action = runNode
	app.Flags = appFlags

	app.Before = func(c *cli.Context) error {
		switch format := c.String(logFormatFlag.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %q", format)
		}

		level, err := logrus.ParseLevel(c.String(verbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		runtime.GOMAXPROCS(runtime.NumCPU())
		return nil
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("runtime panic: %v\n%v", x, string(runtimeDebug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func runNode(c *cli.Context) error {
	log := logrus.WithField("prefix", "main")
	cfg := params.Default()

	p, err := dialProvider(context.Background(), c.String(providerKindFlag.Name), c.String(providerURLFlag.Name))
	if err != nil {
		return errors.Wrap(err, "could not dial chain provider")
	}

	objects := memkv.NewObjectStore()
	kv := memkv.NewCoordKV()

	blocks, err := store.NewBlockStore(objects)
	if err != nil {
		return errors.Wrap(err, "could not open block store")
	}
	view := chainview.New(blocks, kv)

	cacheDir := c.String(serverCacheDirFlag.Name)
	seqStore, err := boltstore.Open(cacheDir)
	if err != nil {
		return errors.Wrap(err, "could not open sequencer store")
	}
	defer seqStore.Close()
	seq := sequencer.New(seqStore)

	prometheus.MustRegister(seqStore.Collector())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serveMetrics(groupCtx, c.String(metricsAddressFlag.Name))
	})

	if c.Bool(roleIngestionFlag.Name) {
		coord := coordinator.New(kv, coordinator.IngestionLeaseKey, c.String(roleHolderFlag.Name), cfg.LeaseTTL)
		ingest := ingestion.New(p, blocks, kv, coord, view, cfg)
		group.Go(func() error {
			return ingest.Run(groupCtx)
		})

		compact := segment.New(view, blocks, kv, cfg)
		group.Go(func() error {
			return compact.Run(groupCtx)
		})
	}

	if c.Bool(serverEnabledFlag.Name) {
		// The gRPC transport for stream.Service is out of scope (spec's
		// "we specify only what the core consumes... and produces"); seq
		// and view are the two collaborators a stream.Service handler
		// would be constructed with per registered stream.
		startingCursor, _, err := view.GetStartingCursor(groupCtx)
		if err != nil {
			return errors.Wrap(err, "could not resolve starting cursor for stream server")
		}
		nextOutputSeq, err := seq.NextOutputSequenceStart()
		if err != nil {
			return errors.Wrap(err, "could not resolve sequencer's next output sequence")
		}
		log.WithField("address", c.String(serverAddressFlag.Name)).
			WithField("max_concurrent_streams", c.Int(serverMaxConcurrentStreamsFlag.Name)).
			WithField("starting_cursor", startingCursor).
			WithField("next_output_seq", nextOutputSeq).
			Info("stream server configured")
	}

	return group.Wait()
}

func dialProvider(ctx context.Context, kind, rawurl string) (provider.BlockIngestion, error) {
	switch kind {
	case "evm":
		return evm.Dial(rawurl)
	case "starknet":
		return starknet.Dial(ctx, rawurl)
	case "beacon":
		return beacon.New(rawurl), nil
	default:
		return nil, errors.Errorf("unknown provider kind %q (want evm, starknet or beacon)", kind)
	}
}

func serveMetrics(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
