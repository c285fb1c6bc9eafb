package bench

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmdUtil "github.com/CrabeDeFrance/urcu-ht/cmd/util"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/engines/rcuht"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/engines/rwmap"
	"github.com/CrabeDeFrance/urcu-ht/lib/hmap/util"
	"github.com/CrabeDeFrance/urcu-ht/lib/logging"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

var log = logger.GetLogger("bench")

// sentinelKey is the one key every reader polls. The writer cycles it in and
// out of the map together with the other objects, so the hit/miss split of
// the readers traces the churn.
const sentinelKey uint64 = 0

var (
	benchCmdConfig = &benchConfig{}
	BenchCmd       = &cobra.Command{
		Use:   "bench",
		Short: "Run the read-side benchmark harness",
		Long: `Run the read-side benchmark harness. Reader goroutines poll one key in a
tight loop while the invoking goroutine churns all objects through the map.
Every second the harness prints per-reader read counts. The configuration can
be set via command line flags or environment variables. The format of the
environment variables is URCUHT_<flag> (e.g. URCUHT_READERS=8)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

// benchConfig holds the processed harness configuration
type benchConfig struct {
	Readers int
	Objects int
	Seconds int
	Engine  string
	Pin     bool

	Buckets         int
	ChurnInterval   time.Duration
	ReclaimInterval time.Duration
	SyncTimeout     time.Duration

	LogLevel    string
	MetricsFile string
	CSVFile     string
}

// String formats the configuration for the run banner
func (c *benchConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Workload")
	addField("Engine", c.Engine)
	addField("Readers", strconv.Itoa(c.Readers))
	addField("Objects", strconv.Itoa(c.Objects))
	addField("Seconds", strconv.Itoa(c.Seconds))
	addField("Churn Interval", c.ChurnInterval.String())
	addField("Pin OS Threads", strconv.FormatBool(c.Pin))

	addSection("Engine Tuning")
	addField("Buckets", strconv.Itoa(c.Buckets))
	addField("Reclaim Interval", c.ReclaimInterval.String())
	addField("Sync Timeout", c.SyncTimeout.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

func init() {
	// Initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "readers"
	BenchCmd.PersistentFlags().Int(key, 2, cmdUtil.WrapString("Number of reader goroutines polling the map"))

	key = "objects"
	BenchCmd.PersistentFlags().Int(key, 1, cmdUtil.WrapString("Number of objects the writer inserts and removes each cycle"))

	key = "seconds"
	BenchCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Run time in seconds (minimum 5)"))

	key = "engine"
	BenchCmd.PersistentFlags().String(key, "rcu", cmdUtil.WrapString("Map engine to benchmark (rcu, rwlock)"))

	key = "buckets"
	BenchCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Number of hash buckets, must be a power of two (rcu engine only)"))

	key = "churn-interval"
	BenchCmd.PersistentFlags().Duration(key, time.Millisecond, cmdUtil.WrapString("Wait between the insert phase and the remove phase of one writer cycle"))

	key = "reclaim-interval"
	BenchCmd.PersistentFlags().Duration(key, 10*time.Millisecond, cmdUtil.WrapString("Time between background reclamation runs (rcu engine only)"))

	key = "sync-timeout"
	BenchCmd.PersistentFlags().Duration(key, time.Second, cmdUtil.WrapString("Bound for a single grace-period wait (rcu engine only)"))

	key = "pin"
	BenchCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Lock every worker goroutine to its OS thread"))

	key = "log-level"
	BenchCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "metrics-file"
	BenchCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional path to dump all counters in Prometheus text format after the run"))

	key = "csv"
	BenchCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional path to save per-reader results as CSV"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchCmdConfig.Readers = viper.GetInt("readers")
	benchCmdConfig.Objects = viper.GetInt("objects")
	benchCmdConfig.Seconds = viper.GetInt("seconds")
	benchCmdConfig.Engine = viper.GetString("engine")
	benchCmdConfig.Pin = viper.GetBool("pin")
	benchCmdConfig.Buckets = viper.GetInt("buckets")
	benchCmdConfig.ChurnInterval = viper.GetDuration("churn-interval")
	benchCmdConfig.ReclaimInterval = viper.GetDuration("reclaim-interval")
	benchCmdConfig.SyncTimeout = viper.GetDuration("sync-timeout")
	benchCmdConfig.LogLevel = viper.GetString("log-level")
	benchCmdConfig.MetricsFile = viper.GetString("metrics-file")
	benchCmdConfig.CSVFile = viper.GetString("csv")

	// validate the workload shape
	if benchCmdConfig.Readers < 1 {
		return fmt.Errorf("at least one reader goroutine is required")
	}
	if benchCmdConfig.Objects < 1 {
		return fmt.Errorf("at least one object must be cycled through the map")
	}
	if benchCmdConfig.Seconds < 5 {
		return fmt.Errorf("the benchmark must run for at least 5 seconds")
	}

	logging.InitLoggers(benchCmdConfig.LogLevel)

	return nil
}

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

// readerStats is written by exactly one reader goroutine; the reporter only
// loads. Padded so two readers never share a cache line.
type readerStats struct {
	found    atomic.Uint64
	notFound atomic.Uint64
	_        [48]byte
}

// run drives the benchmark: reader goroutines count hits and misses on the
// sentinel key while this goroutine churns objects through the map and
// reports once per second.
func run(_ *cobra.Command, _ []string) error {
	cfg := benchCmdConfig

	fmt.Println("urcu-ht read-side benchmark")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(cfg.String())

	if cfg.Pin {
		runtime.LockOSThread()
	}
	if cfg.Readers+1 > runtime.NumCPU() {
		log.Warningf("%d workers on %d CPUs, readers will contend for cores", cfg.Readers+1, runtime.NumCPU())
	}

	m, err := newMap(cfg)
	if err != nil {
		return fmt.Errorf("failed to create map: %v", err)
	}
	defer m.Close()

	// per-reader loop counters plus the exported metric surfaces: cumulative
	// Prometheus counters and rate meters, both fed once per second from the
	// loop counter deltas so the hot loops stay untouched
	stats := make([]readerStats, cfg.Readers)
	hitCounters := make([]*vmetrics.Counter, cfg.Readers)
	missCounters := make([]*vmetrics.Counter, cfg.Readers)
	for i := 0; i < cfg.Readers; i++ {
		hitCounters[i] = vmetrics.GetOrCreateCounter(fmt.Sprintf(`urcuht_bench_reads_total{reader="%d",result="hit"}`, i))
		missCounters[i] = vmetrics.GetOrCreateCounter(fmt.Sprintf(`urcuht_bench_reads_total{reader="%d",result="miss"}`, i))
	}
	writesCounter := vmetrics.GetOrCreateCounter(`urcuht_bench_writes_total`)

	hitMeter := gometrics.NewRegisteredMeter("bench.reads.hit", nil)
	missMeter := gometrics.NewRegisteredMeter("bench.reads.miss", nil)
	writeMeter := gometrics.NewRegisteredMeter("bench.writes", nil)
	defer hitMeter.Stop()
	defer missMeter.Stop()
	defer writeMeter.Stop()

	var stop atomic.Bool
	var wg sync.WaitGroup
	ready := make(chan error, cfg.Readers)

	log.Infof("starting %d reader goroutines against the %s engine", cfg.Readers, cfg.Engine)

	for i := 0; i < cfg.Readers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if cfg.Pin {
				runtime.LockOSThread()
			}

			reader, err := m.Reader()
			ready <- err
			if err != nil {
				return
			}
			defer reader.Close()

			st := &stats[id]
			for !stop.Load() {
				if _, found := reader.Lookup(sentinelKey); found {
					st.found.Add(1)
				} else {
					st.notFound.Add(1)
				}
			}
		}(i)
	}

	// readers that never registered must not hang the run
	defer func() {
		stop.Store(true)
		wg.Wait()
	}()

	for i := 0; i < cfg.Readers; i++ {
		if err := <-ready; err != nil {
			return fmt.Errorf("reader registration failed: %v", err)
		}
	}

	// the churn limiter paces one insert/remove cycle per interval
	limiter := rate.NewLimiter(rate.Every(cfg.ChurnInterval), 1)
	ctx := context.Background()

	old := make([]struct{ found, notFound uint64 }, cfg.Readers)
	var writes, oldWrites uint64

	start := time.Now()
	lastTick := start
	remaining := cfg.Seconds

	for {
		for i := 0; i < cfg.Objects; i++ {
			if err := m.InsertOrReplace(uint64(i), uint64(i)); err != nil {
				return fmt.Errorf("insert failed: %v", err)
			}
		}
		writes += uint64(cfg.Objects)

		_ = limiter.Wait(ctx)

		if time.Since(lastTick) >= time.Second {
			lastTick = time.Now()

			// per-reader deltas for the last second: total [miss + hit]
			fmt.Printf("read: ")
			var hitDelta, missDelta uint64
			for i := range stats {
				f := stats[i].found.Load()
				nf := stats[i].notFound.Load()
				df := f - old[i].found
				dnf := nf - old[i].notFound
				fmt.Printf("%d [%d + %d] ", df+dnf, dnf, df)

				old[i].found = f
				old[i].notFound = nf
				hitCounters[i].Add(int(df))
				missCounters[i].Add(int(dnf))
				hitDelta += df
				missDelta += dnf
			}
			fmt.Println()

			hitMeter.Mark(int64(hitDelta))
			missMeter.Mark(int64(missDelta))
			writeMeter.Mark(int64(writes - oldWrites))
			writesCounter.Add(int(writes - oldWrites))
			oldWrites = writes

			remaining--
			if remaining == 0 {
				break
			}
		}

		for i := 0; i < cfg.Objects; i++ {
			if _, err := m.Remove(uint64(i)); err != nil {
				return fmt.Errorf("remove failed: %v", err)
			}
		}
		writes += uint64(cfg.Objects)
	}

	stop.Store(true)
	wg.Wait()
	log.Infof("benchmark finished after %s, %d write operations", time.Since(start).Round(time.Millisecond), writes)

	// final computation
	var found, notFound uint64
	for i := range stats {
		found += stats[i].found.Load()
		notFound += stats[i].notFound.Load()
	}

	secs := uint64(cfg.Seconds)
	fmt.Printf("total read: %d [%d + %d]\n", (found+notFound)/secs, notFound/secs, found/secs)
	fmt.Println()
	fmt.Printf("mean rates: %.0f reads/sec (%.0f hits + %.0f misses), %.0f writes/sec\n",
		hitMeter.RateMean()+missMeter.RateMean(), hitMeter.RateMean(), missMeter.RateMean(), writeMeter.RateMean())

	// the map is still open here, so the engine metadata shows the live
	// reclamation state rather than the drained end state
	if data, err := json.MarshalIndent(m.GetInfo(), "", "  "); err == nil {
		fmt.Println()
		fmt.Println("Map info:")
		fmt.Println(string(data))
	}

	// Write results to csv if specified
	if cfg.CSVFile != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", cfg.CSVFile)
		if err := writeResultsToCSV(cfg.CSVFile, stats, cfg); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	// Dump all counters in Prometheus text format if specified
	if cfg.MetricsFile != "" {
		fmt.Printf("\nWriting metrics to: %s\n", cfg.MetricsFile)
		if err := writeMetricsFile(cfg.MetricsFile); err != nil {
			return fmt.Errorf("failed to write metrics file: %v", err)
		}
	}

	return m.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// newMap builds the engine under test
func newMap(cfg *benchConfig) (hmap.Map[uint64, uint64], error) {
	switch cfg.Engine {
	case "rcu":
		return rcuht.New[uint64, uint64](util.HashUint64, &rcuht.Options{
			Buckets:         cfg.Buckets,
			MaxReaders:      cfg.Readers + 1,
			ReclaimInterval: cfg.ReclaimInterval,
			SyncTimeout:     cfg.SyncTimeout,
		})
	case "rwlock":
		return rwmap.New[uint64, uint64](&rwmap.Options{
			MaxReaders: cfg.Readers + 1,
		})
	default:
		return nil, fmt.Errorf("invalid engine %s (expected rcu or rwlock)", cfg.Engine)
	}
}

// writeResultsToCSV writes per-reader totals to a CSV file
func writeResultsToCSV(csvPath string, stats []readerStats, cfg *benchConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Reader", "Reads", "Misses", "Hits", "ReadsPerSec",
		"Engine", "Readers", "Objects", "Seconds", "Buckets",
		"ChurnInterval", "ReclaimInterval", "SyncTimeout",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	configColumns := []string{
		cfg.Engine,
		strconv.Itoa(cfg.Readers),
		strconv.Itoa(cfg.Objects),
		strconv.Itoa(cfg.Seconds),
		strconv.Itoa(cfg.Buckets),
		cfg.ChurnInterval.String(),
		cfg.ReclaimInterval.String(),
		cfg.SyncTimeout.String(),
	}

	writeRow := func(name string, found, notFound uint64) error {
		row := []string{
			name,
			strconv.FormatUint(found+notFound, 10),
			strconv.FormatUint(notFound, 10),
			strconv.FormatUint(found, 10),
			strconv.FormatUint((found+notFound)/uint64(cfg.Seconds), 10),
		}
		row = append(row, configColumns...)
		return writer.Write(row)
	}

	var totalFound, totalNotFound uint64
	for i := range stats {
		f := stats[i].found.Load()
		nf := stats[i].notFound.Load()
		totalFound += f
		totalNotFound += nf
		if err := writeRow(strconv.Itoa(i), f, nf); err != nil {
			return fmt.Errorf("failed to write row for reader %d: %v", i, err)
		}
	}

	if err := writeRow("total", totalFound, totalNotFound); err != nil {
		return fmt.Errorf("failed to write total row: %v", err)
	}

	return nil
}

// writeMetricsFile dumps the default metrics set in Prometheus text format
func writeMetricsFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %v", err)
	}
	defer file.Close()

	vmetrics.WritePrometheus(file, true)
	return nil
}
