package docservice

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTenant              = "localhost"
	defaultConvertTimeout      = 5 * time.Minute
	defaultUpdateVersionExpire = 5 * time.Minute
	defaultForgottenPrefix     = "forgotten"
	defaultForgottenFilesName  = "output"
	defaultShutdownKey         = "shutdown"
)

type ServiceOptions struct {
	Tenant string

	Records      RecordStore
	Storage      BlobStorage
	ConvertQueue TaskQueue
	ResultQueue  TaskQueue
	Editors      EditorState
	Notifier     Notifier
	Callbacks    CallbackSender
	Wopi         WopiSaver
	Passwords    *PasswordCipher

	ConvertTimeout      time.Duration
	UpdateVersionExpire time.Duration
	Backoff             BackoffOptions

	ForgottenPrefix    string
	ForgottenFilesName string
	ShutdownKey        string

	OpenProtectedFile       bool
	CleanupCacheOnForgotten bool

	CompletionWorkers int
	DisableWorkers    bool

	Logger zerolog.Logger
	Now    func() time.Time
}

// Service owns the document lifecycle: it dispatches conversion tasks,
// consumes their results and hands saved files back to integrators.
type Service struct {
	tenant string

	records      RecordStore
	storage      BlobStorage
	convertQueue TaskQueue
	resultQueue  TaskQueue
	editors      EditorState
	notifier     Notifier
	callbacks    CallbackSender
	wopi         WopiSaver
	passwords    *PasswordCipher

	convertTimeout      time.Duration
	updateVersionExpire time.Duration
	backoff             backoffPolicy

	forgottenPrefix    string
	forgottenFilesName string
	shutdownKey        string

	openProtectedFile       bool
	cleanupCacheOnForgotten bool

	shuttingDown atomic.Bool

	logger zerolog.Logger
	now    func() time.Time

	closeOnce   sync.Once
	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewService(opts ServiceOptions) *Service {
	tenant := strings.TrimSpace(opts.Tenant)
	if tenant == "" {
		tenant = defaultTenant
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger.With().Str("component", "docservice").Logger()
	records := opts.Records
	if records == nil {
		records = NewInMemoryRecordStoreWithClock(now)
	}
	storage := opts.Storage
	if storage == nil {
		storage = NewInMemoryBlobStorage(nil)
	}
	convertQueue := opts.ConvertQueue
	if convertQueue == nil {
		convertQueue = NewInMemoryTaskQueue(defaultQueueCapacity)
	}
	resultQueue := opts.ResultQueue
	if resultQueue == nil {
		resultQueue = NewInMemoryTaskQueue(defaultQueueCapacity)
	}
	editors := opts.Editors
	if editors == nil {
		editors = NewInMemoryEditorState()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewInMemoryNotifier()
	}
	callbacks := opts.Callbacks
	if callbacks == nil {
		callbacks = NewHTTPCallbackClient(CallbackClientOptions{Logger: opts.Logger, Now: now})
	}
	wopi := opts.Wopi
	if wopi == nil {
		wopi = NewHTTPWopiClient(WopiClientOptions{Logger: opts.Logger})
	}
	passwords := opts.Passwords
	if passwords == nil {
		passwords = NewPasswordCipher("")
	}
	convertTimeout := opts.ConvertTimeout
	if convertTimeout <= 0 {
		convertTimeout = defaultConvertTimeout
	}
	updateVersionExpire := opts.UpdateVersionExpire
	if updateVersionExpire <= 0 {
		updateVersionExpire = defaultUpdateVersionExpire
	}
	forgottenPrefix := strings.Trim(strings.TrimSpace(opts.ForgottenPrefix), "/")
	if forgottenPrefix == "" {
		forgottenPrefix = defaultForgottenPrefix
	}
	forgottenFilesName := strings.TrimSpace(opts.ForgottenFilesName)
	if forgottenFilesName == "" {
		forgottenFilesName = defaultForgottenFilesName
	}
	shutdownKey := strings.TrimSpace(opts.ShutdownKey)
	if shutdownKey == "" {
		shutdownKey = defaultShutdownKey
	}
	workers := opts.CompletionWorkers
	if workers <= 0 {
		workers = 1
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	s := &Service{
		tenant:                  tenant,
		records:                 records,
		storage:                 storage,
		convertQueue:            convertQueue,
		resultQueue:             resultQueue,
		editors:                 editors,
		notifier:                notifier,
		callbacks:               callbacks,
		wopi:                    wopi,
		passwords:               passwords,
		convertTimeout:          convertTimeout,
		updateVersionExpire:     updateVersionExpire,
		backoff:                 newBackoffPolicy(opts.Backoff),
		forgottenPrefix:         forgottenPrefix,
		forgottenFilesName:      forgottenFilesName,
		shutdownKey:             shutdownKey,
		openProtectedFile:       opts.OpenProtectedFile,
		cleanupCacheOnForgotten: opts.CleanupCacheOnForgotten,
		logger:                  logger,
		now:                     now,
		closed:                  make(chan struct{}),
		queueCtx:                queueCtx,
		queueCancel:             queueCancel,
	}
	if !opts.DisableWorkers {
		s.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer s.wg.Done()
				s.completionWorker()
			}()
		}
	}
	return s
}

func (s *Service) completionWorker() {
	for {
		task, ok := s.resultQueue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		if err := s.OnTaskComplete(s.queueCtx, task); err != nil {
			s.logger.Error().Err(err).Str("docId", task.Cmd.DocID).Str("cmd", task.Cmd.Command).Msg("receive task failed")
		}
	}
}

// SubmitResult hands a finished worker task to the completion workers.
func (s *Service) SubmitResult(ctx context.Context, task TaskQueueData) error {
	if strings.TrimSpace(task.Cmd.DocID) == "" {
		return ErrInvalidInput
	}
	if !s.resultQueue.Enqueue(ctx, task) {
		return ErrQueueFull
	}
	return nil
}

// ClaimTask pops the next conversion task for a worker.
func (s *Service) ClaimTask(ctx context.Context) (TaskQueueData, bool) {
	return s.convertQueue.Dequeue(ctx)
}

func (s *Service) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

func (s *Service) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// ShutdownDocuments lists documents whose final save was still in flight
// when shutdown began.
func (s *Service) ShutdownDocuments(ctx context.Context) ([]string, error) {
	return s.editors.ListShutdown(ctx, s.shutdownKey)
}

func (s *Service) Tenant() string {
	return s.tenant
}

func (s *Service) Storage() BlobStorage {
	return s.storage
}

func (s *Service) Notifier() Notifier {
	return s.notifier
}

func (s *Service) QueueDepths() (convert, result int) {
	return s.convertQueue.Depth(), s.resultQueue.Depth()
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queueCancel()
		_ = s.convertQueue.Close()
		_ = s.resultQueue.Close()
		s.wg.Wait()
		_ = s.notifier.Close()
		_ = s.editors.Close()
		_ = s.records.Close()
	})
}
