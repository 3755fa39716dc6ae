package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"brightforge_back/projects"
	"brightforge_back/storage"
	"github.com/google/uuid"
)

// Scheduler is the single authority for admission control and session
// lifecycle. Sessions transition pending → running → terminal; the pending
// queue is strict FIFO; at most cfg.Concurrency sessions run at once, and
// only while the resource monitor reports headroom.
type Scheduler struct {
	cfg     Config
	monitor *ResourceMonitor
	driver  *pipelineDriver
	mirror  *StatusMirror

	registry *projects.Registry

	mu          sync.Mutex
	sessions    map[string]*session
	pending     []string
	running     int
	paused      bool
	subscribers map[string][]chan SessionView

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	started  bool
	wg       sync.WaitGroup
}

func NewScheduler(cfg Config, registry *projects.Registry, store storage.ArtifactStore, workers Workers, monitor *ResourceMonitor, mirror *StatusMirror) (*Scheduler, error) {
	if registry == nil {
		return nil, errors.New("generation: scheduler requires a project registry")
	}
	if store == nil {
		return nil, errors.New("generation: scheduler requires an artifact store")
	}
	if workers == nil {
		return nil, errors.New("generation: scheduler requires a worker capability")
	}
	if monitor == nil {
		return nil, errors.New("generation: scheduler requires a resource monitor")
	}

	return &Scheduler{
		cfg:         cfg.withDefaults(),
		monitor:     monitor,
		mirror:      mirror,
		registry:    registry,
		driver:      &pipelineDriver{workers: workers, store: store, registry: registry},
		sessions:    make(map[string]*session),
		subscribers: make(map[string][]chan SessionView),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}, nil
}

// Start launches the resource monitor and the admission loop.
func (s *Scheduler) Start() {
	s.started = true
	s.monitor.SetOnChange(s.signalWake)
	s.monitor.Start()
	go s.admissionLoop()
}

// Close stops admitting work and waits for running session drivers to hand
// back their slots. In-flight worker calls are abandoned, not killed.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started {
		<-s.loopDone
		s.wg.Wait()
		s.monitor.Stop()
	}
}

// Submit validates the request, constructs a pending session and enqueues
// it. It never blocks on admission; all failures past this point surface
// only through Status.
func (s *Scheduler) Submit(ctx context.Context, req Request) (string, error) {
	stages := stagesFor(req.Kind)
	if stages == nil {
		return "", fmt.Errorf("%w: unknown pipeline type %q", ErrValidation, req.Kind)
	}

	switch req.Kind {
	case PipelineFull, PipelineImageOnly:
		prompt := strings.TrimSpace(req.Prompt)
		if len(prompt) < minPromptLen {
			return "", fmt.Errorf("%w: prompt must be at least %d characters", ErrValidation, minPromptLen)
		}
		if len(prompt) > maxPromptLen {
			return "", fmt.Errorf("%w: prompt must be under %d characters", ErrValidation, maxPromptLen)
		}
		req.Prompt = prompt
	case PipelineImageToMesh:
		if len(req.ImagePNG) == 0 {
			return "", fmt.Errorf("%w: source image is required", ErrValidation)
		}
		if len(req.ImagePNG) > maxImageBytes {
			return "", fmt.Errorf("%w: source image exceeds %d bytes", ErrValidation, maxImageBytes)
		}
	}

	if req.Width == 0 {
		req.Width = s.cfg.DefaultWidth
	}
	if req.Height == 0 {
		req.Height = s.cfg.DefaultHeight
	}
	if req.Width < minDimension || req.Width > maxDimension || req.Height < minDimension || req.Height > maxDimension {
		return "", fmt.Errorf("%w: dimensions must be between %d and %d", ErrValidation, minDimension, maxDimension)
	}
	if req.Steps == 0 {
		req.Steps = 25
	}
	if req.Steps < 10 || req.Steps > 100 {
		return "", fmt.Errorf("%w: steps must be between 10 and 100", ErrValidation)
	}

	if _, err := s.registry.GetProject(ctx, req.ProjectID); err != nil {
		if errors.Is(err, projects.ErrUnknownProject) {
			return "", err
		}
		return "", fmt.Errorf("generation: verify project %d: %w", req.ProjectID, err)
	}

	timeout := s.cfg.SessionTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > maxSessionTimeout {
			timeout = maxSessionTimeout
		}
	}

	sess := &session{
		id:         uuid.NewString(),
		request:    req,
		stages:     stages,
		timeout:    timeout,
		state:      StatePending,
		enqueuedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.pending = append(s.pending, sess.id)
	s.mu.Unlock()

	s.signalWake()
	log.Printf("generation: session %s enqueued (%s, project %d)", sess.id, req.Kind, req.ProjectID)
	return sess.id, nil
}

// Status returns a consistent snapshot of the session.
func (s *Scheduler) Status(id string) (SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return SessionView{}, ErrNotFound
	}
	return sess.view(), nil
}

// Cancel is idempotent. A pending session is removed from the queue and
// finalized synchronously; a running session is flagged and stops
// cooperatively before its next stage.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	switch sess.state {
	case StatePending:
		for i, pendingID := range s.pending {
			if pendingID == id {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		now := time.Now().UTC()
		sess.state = StateCancelled
		sess.finishedAt = &now
		sess.lastErr = ErrSessionCancelled
		view := sess.view()
		s.broadcastLocked(id, view, true)
		s.mu.Unlock()
		s.mirrorStore(view)
		log.Printf("generation: session %s cancelled while pending", id)
		return nil
	case StateRunning:
		sess.cancelRequested.Store(true)
		s.mu.Unlock()
		log.Printf("generation: session %s flagged for cancellation", id)
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

// Pause stops admissions; running sessions are unaffected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Printf("generation: queue paused")
}

// Resume re-enables admissions.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signalWake()
	log.Printf("generation: queue resumed")
}

// QueueView is the observable queue state.
type QueueView struct {
	Pending []string `json:"pending"`
	Running int      `json:"running"`
	Paused  bool     `json:"paused"`
}

func (s *Scheduler) Queue() QueueView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueView{
		Pending: append([]string(nil), s.pending...),
		Running: s.running,
		Paused:  s.paused,
	}
}

// Monitor exposes the resource monitor for status surfaces.
func (s *Scheduler) Monitor() *ResourceMonitor {
	return s.monitor
}

// Subscribe returns a channel of state snapshots for one session, starting
// with the current state and closed after the terminal one. The returned
// func detaches the subscriber.
func (s *Scheduler) Subscribe(id string) (<-chan SessionView, func(), error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}

	ch := make(chan SessionView, 16)
	view := sess.view()
	if sess.state.Terminal() {
		s.mu.Unlock()
		ch <- view
		close(ch)
		return ch, func() {}, nil
	}

	ch <- view
	s.subscribers[id] = append(s.subscribers[id], ch)
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[id]
		for i, sub := range subs {
			if sub == ch {
				s.subscribers[id] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsubscribe, nil
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) admissionLoop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.purgeExpired()
		s.admitPending()
	}
}

// admitPending pops queue heads while a slot is free and the monitor allows
// it. No session is admitted optimistically: a monitor denial leaves the
// head in place until the next wake.
func (s *Scheduler) admitPending() {
	for {
		s.mu.Lock()
		if s.paused || len(s.pending) == 0 || s.running >= s.cfg.Concurrency {
			s.mu.Unlock()
			return
		}
		if !s.monitor.AdmitAllowed() {
			s.mu.Unlock()
			return
		}

		id := s.pending[0]
		s.pending = s.pending[1:]
		sess := s.sessions[id]
		now := time.Now().UTC()
		sess.state = StateRunning
		sess.admittedAt = &now
		s.running++
		view := sess.view()
		s.broadcastLocked(id, view, false)
		s.mu.Unlock()

		s.mirrorStore(view)
		log.Printf("generation: session %s admitted (%s)", id, sess.request.Kind)
		s.wg.Add(1)
		go s.runSession(sess)
	}
}

type pipelineResult struct {
	assetIDs []uint64
	err      error
}

// runSession drives one admitted session and releases its slot. The
// wall-clock timer releases the slot even while a worker call is still in
// flight; any late result is discarded by the terminal-state guard.
func (s *Scheduler) runSession(sess *session) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), sess.timeout)
	defer cancel()

	obs := stageObserver{
		onStart: func(stage StageName) {
			s.mu.Lock()
			if sess.state != StateRunning {
				s.mu.Unlock()
				return
			}
			sess.currentStage = stage
			s.broadcastLocked(sess.id, sess.view(), false)
			s.mu.Unlock()
		},
		onEnd: func(result StageResult) {
			s.mu.Lock()
			if sess.state != StateRunning {
				s.mu.Unlock()
				return
			}
			sess.currentStage = ""
			sess.results = append(sess.results, result)
			s.broadcastLocked(sess.id, sess.view(), false)
			s.mu.Unlock()
		},
		cancelled: func() bool { return sess.cancelRequested.Load() },
	}

	done := make(chan pipelineResult, 1)
	go func() {
		assetIDs, err := s.driver.run(ctx, sess.request, sess.stages, obs)
		done <- pipelineResult{assetIDs: assetIDs, err: err}
	}()

	select {
	case result := <-done:
		s.finish(sess, result.assetIDs, result.err)
	case <-ctx.Done():
		// The pipeline may have landed in the same instant the deadline
		// fired. Prefer its outcome so assets it already registered stay
		// visible on the session.
		select {
		case result := <-done:
			s.finish(sess, result.assetIDs, result.err)
		default:
			s.finish(sess, nil, ErrSessionTimeout)
		}
	}
}

// finish applies the terminal transition exactly once and frees the slot.
func (s *Scheduler) finish(sess *session, assetIDs []uint64, err error) {
	s.mu.Lock()
	if sess.state.Terminal() {
		s.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	sess.currentStage = ""
	sess.finishedAt = &now
	switch {
	case err == nil:
		sess.state = StateCompleted
		sess.assetIDs = assetIDs
	case errors.Is(err, ErrSessionCancelled):
		sess.state = StateCancelled
		sess.lastErr = ErrSessionCancelled
	case errors.Is(err, ErrSessionTimeout), errors.Is(err, context.DeadlineExceeded):
		sess.state = StateTimedOut
		sess.lastErr = ErrSessionTimeout
	default:
		sess.state = StateFailed
		sess.lastErr = err
	}
	s.running--
	view := sess.view()
	s.broadcastLocked(sess.id, view, true)
	s.mu.Unlock()

	s.mirrorStore(view)
	if err != nil {
		log.Printf("generation: session %s finished as %s: %v", sess.id, view.State, err)
	} else {
		log.Printf("generation: session %s completed with %d assets", sess.id, len(assetIDs))
	}
	s.signalWake()
}

// broadcastLocked fans a snapshot out to subscribers. Caller holds s.mu.
// Sends never block; a slow subscriber misses intermediate snapshots and
// reconciles from Status after the channel closes.
func (s *Scheduler) broadcastLocked(id string, view SessionView, terminal bool) {
	for _, ch := range s.subscribers[id] {
		select {
		case ch <- view:
		default:
		}
		if terminal {
			close(ch)
		}
	}
	if terminal {
		delete(s.subscribers, id)
	}
}

func (s *Scheduler) mirrorStore(view SessionView) {
	if s.mirror == nil {
		return
	}
	s.mirror.Store(context.Background(), view, s.cfg.Retention)
}

// purgeExpired drops terminal sessions older than the retention window;
// their ids then report NotFound.
func (s *Scheduler) purgeExpired() {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.state.Terminal() && sess.finishedAt != nil && sess.finishedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
}
