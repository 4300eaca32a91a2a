package analytics

import (
	"context"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/store"
	"github.com/nulzo/ai-orchestrator/internal/store/model"
	"go.uber.org/zap"
)

// Ingestor handles the asynchronous persistence of dispatch records.
type Ingestor interface {
	Log(log *model.DispatchLog)
	Start(ctx context.Context)
	Stop()
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	logChan   chan *model.DispatchLog
	batchSize int
	flushTime time.Duration
}

func NewIngestor(logger *zap.Logger, repo store.Repository) Ingestor {
	return &ingestor{
		logger:    logger,
		repo:      repo,
		logChan:   make(chan *model.DispatchLog, 10000),
		batchSize: 50,
		flushTime: 5 * time.Second,
	}
}

func (i *ingestor) Log(log *model.DispatchLog) {
	select {
	case i.logChan <- log:
	default:
		i.logger.Warn("Dispatch record buffer full, dropping record",
			zap.String("request_id", log.RequestID))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	go i.worker(ctx)
}

func (i *ingestor) Stop() {
	close(i.logChan)
}

func (i *ingestor) worker(ctx context.Context) {
	batch := make([]*model.DispatchLog, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		for _, log := range batch {
			if err := i.repo.Dispatches().Log(context.Background(), log); err != nil {
				i.logger.Error("Failed to persist dispatch record",
					zap.String("request_id", log.RequestID), zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case log, ok := <-i.logChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, log)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// Nop is used when persistence is disabled.
type Nop struct{}

func (Nop) Log(*model.DispatchLog) {}
func (Nop) Start(context.Context)  {}
func (Nop) Stop()                  {}
