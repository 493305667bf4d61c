package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/23skdu/longbow-splitter/internal/compute"
	"github.com/23skdu/longbow-splitter/internal/config"
	"github.com/23skdu/longbow-splitter/internal/kvcache"
	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/model"
	"github.com/23skdu/longbow-splitter/internal/monitoring"
	"github.com/23skdu/longbow-splitter/internal/tensor"
	"github.com/23skdu/longbow-splitter/internal/weights"
)

var (
	configPath   = flag.String("config", "", "Path to a config.json with the model hyperparameters (default: built-in 7B layout)")
	gpuSplit     = flag.String("gpu-split", "24", "Comma separated per-device budgets in GiB")
	embedCPU     = flag.Bool("embed-cpu", true, "Keep the token embedding on the host")
	weightsPath  = flag.String("weights", "", "Arrow shard glob, or flight://host:port (empty: synthesize weights)")
	seed         = flag.Int64("seed", 42, "Seed for synthesized weights")
	exportPath   = flag.String("export", "", "Write the weights to this Arrow shard file and exit")
	serveWeights = flag.String("serve-weights", "", "Serve the weights over Arrow Flight on this address")
	forwardIDs   = flag.String("forward", "", "Comma separated token ids to run through the model")
	preprocess   = flag.Bool("preprocess", false, "Only fill the cache, skip the output head")
	lazy         = flag.Bool("lazy", false, "Load weights on first use")
	threads      = flag.Int("threads", 0, "Host compute threads (0: all cores)")
	topK         = flag.Int("top", 5, "Number of logits to print")
	traceOut     = flag.String("trace", "", "Write per-unit activation statistics to this JSON file")
	metricsAddr  = flag.String("metrics", "", "Address to serve health and Prometheus metrics")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat    = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Warn("Interrupted, cancelling")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Log.Error("splitter failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return err
		}
	}

	budgets, err := parseBudgets(*gpuSplit)
	if err != nil {
		return err
	}

	backend := compute.NewHost()
	if *threads > 0 {
		backend.SetNumThreads(*threads)
	}

	src, closer, err := openSource(*weightsPath)
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := model.New(cfg, backend, src, model.Options{LazyLoad: *lazy, Trace: *traceOut != ""})
	if err != nil {
		return err
	}
	defer m.Close()

	if store, ok := src.(*weights.MemoryStore); ok {
		logger.Log.Info("Synthesizing weights", "tensors", len(m.Tensors()), "seed", *seed)
		for _, n := range weights.Synthesize(m.Tensors(), *seed).All() {
			store.Put(n.Name, n.Tensor)
		}
	}

	if *exportPath != "" {
		return export(ctx, m, src, *exportPath)
	}

	if *serveWeights != "" {
		fs := weights.NewFlightServer(src)
		if err := fs.Start(*serveWeights); err != nil {
			return err
		}
		defer fs.Stop()
		logger.Log.Info("Serving weights", "addr", fs.Addr())
	}

	leftover, err := m.SetDeviceMap(budgets, *embedCPU)
	if err != nil {
		return err
	}
	printPlacement(os.Stdout, m.Placement(), leftover, m.ReservedBytes())

	var hm *monitoring.HealthMonitor
	if *metricsAddr != "" {
		hm = monitoring.NewHealthMonitor(m)
		go func() {
			if err := hm.Start(*metricsAddr); err != nil {
				logger.Log.Error("Health monitor error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hm.Stop(shutdownCtx)
		}()
	}

	start := time.Now()
	if err := m.Load(ctx); err != nil {
		return err
	}
	if !*lazy {
		logger.Log.Info("Weights loaded", "source", src.Name(), "elapsed", time.Since(start))
	}

	if *forwardIDs == "" {
		if *serveWeights != "" {
			<-ctx.Done()
		}
		return nil
	}

	ids, err := parseIDs(*forwardIDs)
	if err != nil {
		return err
	}
	cache, err := kvcache.New(&cfg, 1, m.CacheMap())
	if err != nil {
		return err
	}

	start = time.Now()
	logits, err := m.Forward(ctx, tensor.FromInt32([]int{1, len(ids)}, ids), cache, nil, *preprocess)
	elapsed := time.Since(start)
	if hm != nil {
		hm.RecordForward(len(ids), elapsed, err)
	}
	if err != nil {
		return err
	}
	logger.Log.Info("Forward pass complete", "tokens", len(ids), "elapsed", elapsed, "cache_len", cache.CurrentSeqLen)

	if *traceOut != "" {
		if err := m.Trace().SaveToFile(*traceOut); err != nil {
			return err
		}
		logger.Log.Info("Activation trace written", "path", *traceOut)
	}

	if logits != nil {
		printTopLogits(os.Stdout, logits, *topK)
	}
	if *serveWeights != "" {
		<-ctx.Done()
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openSource picks the weight source from the -weights flag. An empty
// value returns an empty store the caller fills after the graph exists.
func openSource(arg string) (weights.Source, io.Closer, error) {
	switch {
	case arg == "":
		return weights.NewMemoryStore(), nopCloser{}, nil
	case strings.HasPrefix(arg, "flight://"):
		fs, err := weights.DialFlight(strings.TrimPrefix(arg, "flight://"))
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	default:
		paths, err := filepath.Glob(arg)
		if err != nil {
			return nil, nil, fmt.Errorf("bad weights pattern %q: %w", arg, err)
		}
		if len(paths) == 0 {
			return nil, nil, fmt.Errorf("no weight shards match %q", arg)
		}
		fs, err := weights.OpenFiles(paths...)
		if err != nil {
			return nil, nil, err
		}
		logger.Log.Info("Opened weight shards", "shards", len(paths), "tensors", fs.Len())
		return fs, fs, nil
	}
}

func export(ctx context.Context, m *model.Model, src weights.Source, path string) error {
	specs := m.Tensors()
	items := make([]weights.Named, 0, len(specs))
	for _, s := range specs {
		t, err := src.Fetch(ctx, s.Name)
		if err != nil {
			return err
		}
		items = append(items, weights.Named{Name: s.Name, Tensor: t})
	}
	if err := weights.WriteFile(path, items); err != nil {
		return err
	}
	logger.Log.Info("Exported weights", "path", path, "tensors", len(items))
	return nil
}

func parseBudgets(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		g, err := strconv.ParseFloat(part, 64)
		if err != nil || g < 0 {
			return nil, fmt.Errorf("invalid gpu-split entry %q", part)
		}
		out = append(out, model.GiB(g))
	}
	return out, nil
}

func parseIDs(s string) ([]int32, error) {
	var out []int32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", part)
		}
		out = append(out, int32(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	return out, nil
}

func mib(b int64) string {
	return fmt.Sprintf("%.1f", float64(b)/(1<<20))
}

func printPlacement(w io.Writer, placement []model.DevicePlacement, leftover []int64, reserved int64) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Device", "Units", "Weights MiB", "Scratch MiB", "Free MiB"})
	for _, p := range placement {
		units := fmt.Sprintf("%d", len(p.Units))
		if len(p.Units) > 0 {
			units = fmt.Sprintf("%d (%s .. %s)", len(p.Units), p.Units[0], p.Units[len(p.Units)-1])
		}
		free := "-"
		if p.Device >= 0 && p.Device < len(leftover) {
			free = mib(leftover[p.Device])
		}
		table.Append([]string{tensor.DeviceName(p.Device), units, mib(p.WeightBytes), mib(p.ScratchBytes), free})
	}
	table.SetFooter([]string{"", "", "", "reserved", mib(reserved)})
	table.Render()
}

func printTopLogits(w io.Writer, logits *tensor.Tensor, k int) {
	vocab := logits.Dim(2)
	seq := logits.Dim(1)
	row := logits.Float32()[(seq-1)*vocab : seq*vocab]

	idx := make([]int, vocab)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	if k > vocab {
		k = vocab
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Rank", "Token", "Logit"})
	for r := 0; r < k; r++ {
		table.Append([]string{strconv.Itoa(r + 1), strconv.Itoa(idx[r]), fmt.Sprintf("%.4f", row[idx[r]])})
	}
	table.Render()
}
