package monitoring

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Sampler collects host metrics on a periodic tick and feeds them into the
// monitor's ring buffer. Collection failures are logged and counted as
// suppressed errors; the sampler never stops on its own.
type Sampler struct {
	monitor  *Monitor
	interval time.Duration
	diskPath string
	log      zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSampler creates a host metrics sampler.
func NewSampler(monitor *Monitor, interval time.Duration, log zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		monitor:  monitor,
		interval: interval,
		diskPath: "/",
		log:      log.With().Str("component", "system_sampler").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Take one sample immediately so queries work before the first tick.
		s.sampleOnce()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sampleOnce()
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Msg("System sampler started")
}

// Stop terminates the sampling goroutine and waits for it to exit.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("System sampler stopped")
}

func (s *Sampler) sampleOnce() {
	sample := SystemSample{Timestamp: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Debug().Err(err).Msg("Failed to sample CPU")
		s.monitor.RecordSuppressedError("system_sampler")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
	} else {
		s.log.Debug().Err(err).Msg("Failed to sample memory")
		s.monitor.RecordSuppressedError("system_sampler")
	}

	if du, err := disk.Usage(s.diskPath); err == nil {
		sample.DiskPercent = du.UsedPercent
	} else {
		s.log.Debug().Err(err).Msg("Failed to sample disk")
		s.monitor.RecordSuppressedError("system_sampler")
	}

	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		sample.NetBytesSent = counters[0].BytesSent
		sample.NetBytesRecv = counters[0].BytesRecv
	} else if err != nil {
		s.log.Debug().Err(err).Msg("Failed to sample network")
		s.monitor.RecordSuppressedError("system_sampler")
	}

	s.monitor.RecordSystemSample(sample)
}
