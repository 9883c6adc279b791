package monitoring

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	processCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlb_process_cpu_percent",
		Help: "Process CPU usage percent",
	})

	processMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlb_process_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	goroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rlb_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(processCPU, processMemory, goroutineCount)
}

// SystemMonitor samples process CPU, memory, and goroutine count on a
// fixed interval, exporting gauges and logging one structured line per
// sample. One monitor per process is enough; components query prometheus,
// not the monitor.
type SystemMonitor struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSystemMonitor builds a monitor for the current process.
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) (*SystemMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemMonitor{
		proc:     proc,
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the sampling loop.
func (m *SystemMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the loop to exit.
func (m *SystemMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *SystemMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

func (m *SystemMonitor) sample() {
	goroutines := runtime.NumGoroutine()
	goroutineCount.Set(float64(goroutines))

	event := m.logger.Debug().Int("goroutines", goroutines)

	if cpuPct, err := m.proc.CPUPercent(); err == nil {
		processCPU.Set(cpuPct)
		event = event.Float64("cpu_percent", cpuPct)
	}
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		processMemory.Set(float64(memInfo.RSS))
		event = event.Uint64("memory_rss_bytes", memInfo.RSS)
	}

	event.Msg("System metrics sampled")
}
