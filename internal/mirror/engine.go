package mirror

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder receives engine measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	SyncRunFinished(run SyncRun, elapsed time.Duration)
	ItemDecided(source string, decision Decision)
	EventApplied(source string, outcome EventOutcome)
	WritebackFinished(source string, success bool)
	SnapshotRowWritten(inserted bool)
}

type nopRecorder struct{}

func (nopRecorder) SyncRunFinished(SyncRun, time.Duration) {}
func (nopRecorder) ItemDecided(string, Decision)          {}
func (nopRecorder) EventApplied(string, EventOutcome)     {}
func (nopRecorder) WritebackFinished(string, bool)        {}
func (nopRecorder) SnapshotRowWritten(bool)               {}

type EngineOptions struct {
	Store               Store
	Adapters            []SourceAdapter
	WritebackQueue      WritebackQueue
	WritebackQueueSize  int
	WritebackWorkers    int
	WritebackTimeout    time.Duration
	SyncTimeout         time.Duration
	SnapshotGranularity time.Duration
	HTTPClient          *http.Client
	Clock               func() time.Time
	Logger              *zerolog.Logger
	Recorder            Recorder
	Notifier            *Broadcaster
	NewID               func() string
}

type Engine struct {
	store            Store
	adapters         *adapterRegistry
	resolver         *IdentityResolver
	writebackQueue   WritebackQueue
	httpClient       *http.Client
	clock            func() time.Time
	log              zerolog.Logger
	recorder         Recorder
	notifier         *Broadcaster
	newID            func() string
	syncTimeout      time.Duration
	writebackTimeout time.Duration
	granularity      time.Duration

	runLocks sync.Map

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewEngine(opts EngineOptions) *Engine {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	queue := opts.WritebackQueue
	if queue == nil {
		queue = NewInMemoryWritebackQueue(opts.WritebackQueueSize)
	}
	workers := opts.WritebackWorkers
	if workers <= 0 {
		workers = 1
	}
	writebackTimeout := opts.WritebackTimeout
	if writebackTimeout <= 0 {
		writebackTimeout = 30 * time.Second
	}
	syncTimeout := opts.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 5 * time.Minute
	}
	granularity := opts.SnapshotGranularity
	if granularity <= 0 {
		granularity = time.Hour
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:            store,
		adapters:         newAdapterRegistry(opts.Adapters),
		resolver:         NewIdentityResolver(store),
		writebackQueue:   queue,
		httpClient:       httpClient,
		clock:            clock,
		log:              logger.With().Str("component", "mirror").Logger(),
		recorder:         recorder,
		notifier:         opts.Notifier,
		newID:            newID,
		syncTimeout:      syncTimeout,
		writebackTimeout: writebackTimeout,
		granularity:      granularity,
		queueCtx:         queueCtx,
		queueCancel:      queueCancel,
		closed:           make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.writebackWorker()
		}()
	}
	return e
}

// Close stops the write-back workers and closes the queue and store.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.queueCancel()
		e.wg.Wait()
		if err := e.writebackQueue.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close writeback queue")
		}
		if err := e.store.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close store")
		}
	})
}

// Store exposes the backing store for read paths.
func (e *Engine) Store() Store {
	return e.store
}

func (e *Engine) Sources() []string {
	return e.adapters.sources()
}

func (e *Engine) adapter(source string) (SourceAdapter, error) {
	adapter, ok := e.adapters.lookup(source)
	if !ok {
		return nil, ErrUnknownSource
	}
	return adapter, nil
}

func (e *Engine) syncContext(cfg WorkspaceConfig, correlationID string) SyncContext {
	return SyncContext{
		HTTPClient:    e.httpClient,
		Credential:    cfg.Credential,
		Now:           e.clock,
		Logger:        e.log.With().Str("source", cfg.Source).Str("workspace_id", cfg.ID).Logger(),
		CorrelationID: correlationID,
	}
}

// tryLockSource flips the per-source run flag. It returns false when a run is
// already in progress for the source.
func (e *Engine) tryLockSource(source string) (func(), bool) {
	value, _ := e.runLocks.LoadOrStore(source, &atomic.Bool{})
	flag := value.(*atomic.Bool)
	if !flag.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { flag.Store(false) }, true
}

func (e *Engine) notify(kind NotificationType, source string, payload any) {
	e.notifier.Publish(Notification{Type: kind, Source: source, At: e.clock(), Payload: payload})
}
