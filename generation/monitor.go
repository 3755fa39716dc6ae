package generation

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"brightforge_back/worker"
)

// ResourceSample is one point-in-time accelerator memory reading.
type ResourceSample struct {
	UsedGB  float64   `json:"used_gb"`
	TotalGB float64   `json:"total_gb"`
	TakenAt time.Time `json:"taken_at"`
}

// UtilizationPct returns used memory as a percentage of total.
func (s ResourceSample) UtilizationPct() float64 {
	if s.TotalGB <= 0 {
		return 100
	}
	return s.UsedGB / s.TotalGB * 100
}

// Sampler obtains a fresh accelerator memory reading.
type Sampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// HealthSampler reads VRAM usage from the inference worker's health endpoint.
type HealthSampler struct {
	client *worker.Client
}

func NewHealthSampler(client *worker.Client) *HealthSampler {
	return &HealthSampler{client: client}
}

func (h *HealthSampler) Sample(ctx context.Context) (ResourceSample, error) {
	if h == nil || h.client == nil {
		return ResourceSample{}, worker.ErrUnavailable
	}
	sampleCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status, err := h.client.Health(sampleCtx)
	if err != nil {
		return ResourceSample{}, err
	}
	if !status.GPUAvailable {
		return ResourceSample{}, worker.ErrUnavailable
	}
	return ResourceSample{
		UsedGB:  status.UsedGB(),
		TotalGB: status.VRAMTotalGB,
		TakenAt: time.Now().UTC(),
	}, nil
}

// ResourceMonitor samples accelerator memory on a fixed interval and answers
// the admission predicate. It degrades safely: a failed or stale sample
// denies admission rather than assuming headroom.
type ResourceMonitor struct {
	sampler      Sampler
	interval     time.Duration
	thresholdPct float64
	maxAge       time.Duration
	onChange     func()

	mu        sync.Mutex
	last      ResourceSample
	hasSample bool
	lastErr   error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
}

func NewResourceMonitor(sampler Sampler, interval time.Duration, thresholdPct float64) *ResourceMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if thresholdPct <= 0 || thresholdPct > 100 {
		thresholdPct = 90
	}
	return &ResourceMonitor{
		sampler:      sampler,
		interval:     interval,
		thresholdPct: thresholdPct,
		maxAge:       3 * interval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// NewResourceMonitorFromEnv wires a worker-backed monitor using
// ADMISSION_THRESHOLD_PCT and MONITOR_INTERVAL_SECONDS.
func NewResourceMonitorFromEnv(client *worker.Client) *ResourceMonitor {
	interval := 2 * time.Second
	if raw := strings.TrimSpace(os.Getenv("MONITOR_INTERVAL_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			interval = time.Duration(parsed) * time.Second
		}
	}
	threshold := 90.0
	if raw := strings.TrimSpace(os.Getenv("ADMISSION_THRESHOLD_PCT")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 && parsed <= 100 {
			threshold = parsed
		}
	}
	return NewResourceMonitor(NewHealthSampler(client), interval, threshold)
}

// SetOnChange registers a callback fired after every sampling round, used to
// wake the scheduler early. Must be called before Start.
func (m *ResourceMonitor) SetOnChange(fn func()) {
	m.onChange = fn
}

// Start launches the sampling loop. The first sample is taken immediately.
func (m *ResourceMonitor) Start() {
	m.started = true
	go func() {
		defer close(m.done)
		m.sampleOnce()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

func (m *ResourceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started {
		<-m.done
	}
}

func (m *ResourceMonitor) sampleOnce() {
	sample, err := m.sampler.Sample(context.Background())

	m.mu.Lock()
	previousErr := m.lastErr
	if err != nil {
		m.lastErr = err
	} else {
		m.lastErr = nil
		m.last = sample
		m.hasSample = true
	}
	m.mu.Unlock()

	// Log on transitions only; a dead monitoring backend should not flood
	// the log at every interval.
	if err != nil && previousErr == nil {
		log.Printf("generation: resource sample failed, denying admission: %v", err)
	}
	if err == nil && previousErr != nil {
		log.Printf("generation: resource sampling recovered (%.0f%% utilized)", sample.UtilizationPct())
	}

	if m.onChange != nil {
		m.onChange()
	}
}

// AdmitAllowed answers "can one more unit of work be admitted now".
func (m *ResourceMonitor) AdmitAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil || !m.hasSample {
		return false
	}
	if time.Since(m.last.TakenAt) > m.maxAge {
		return false
	}
	return m.last.UtilizationPct() <= m.thresholdPct
}

// Snapshot returns the last sample and whether it is currently usable.
func (m *ResourceMonitor) Snapshot() (ResourceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return m.last, ErrResourceUnavailable
	}
	if !m.hasSample {
		return ResourceSample{}, ErrResourceUnavailable
	}
	return m.last, nil
}
