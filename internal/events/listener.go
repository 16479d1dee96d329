package events

import (
	"context"
	"log/slog"
	"sort"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/web3"
	"GigaCrew-Agent/pkg/logger"
)

const defaultPollInterval = 5 * time.Second

// Source is the part of the ledger the listener reads from.
type Source interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, filter web3.EventFilter) ([]web3.Event, error)
}

// ListenerConfig 控制事件轮询的起点与频率。
type ListenerConfig struct {
	FromBlock      uint64
	ForceFromBlock bool
	PollInterval   time.Duration
}

// Listener polls escrow logs block range by block range and publishes them
// onto a queue. The cursor advances only after every filter in a range has
// been published.
type Listener struct {
	source   Source
	cursor   Cursor
	producer Producer
	filters  []web3.EventFilter
	cfg      ListenerConfig
	logger   *slog.Logger
}

// NewListener 创建事件监听器。filters 中的区块区间会在每轮轮询时被覆盖。
func NewListener(source Source, cursor Cursor, producer Producer, cfg ListenerConfig, filters ...web3.EventFilter) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cursor == nil {
		cursor = NewMemoryCursor()
	}
	return &Listener{
		source:   source,
		cursor:   cursor,
		producer: producer,
		filters:  filters,
		cfg:      cfg,
		logger:   logger.Named("event_listener"),
	}
}

// StartBlock 计算首轮轮询的起始区块。
func (l *Listener) StartBlock(ctx context.Context) (uint64, error) {
	if l.cfg.ForceFromBlock {
		return l.cfg.FromBlock, nil
	}
	last, ok, err := l.cursor.Load(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取区块游标失败")
	}
	if ok && last > l.cfg.FromBlock {
		return last, nil
	}
	return l.cfg.FromBlock, nil
}

// Start 持续轮询直到上下文取消。
func (l *Listener) Start(ctx context.Context) error {
	if l.source == nil || l.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件监听器未初始化")
	}
	from, err := l.StartBlock(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("事件监听启动", slog.Uint64("from_block", from), slog.Int("filters", len(l.filters)))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		next, err := l.Poll(ctx, from)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("轮询链上事件失败", slog.Uint64("from_block", from), slog.Any("error", err))
		} else {
			from = next
		}
		timer.Reset(l.cfg.PollInterval)
	}
}

// Poll 处理 [from, latest] 区间的事件并返回下一轮的起始区块。
func (l *Listener) Poll(ctx context.Context, from uint64) (uint64, error) {
	latest, err := l.source.LatestBlock(ctx)
	if err != nil {
		return from, err
	}
	if latest < from {
		return from, nil
	}

	var collected []web3.Event
	for _, filter := range l.filters {
		filter.FromBlock = from
		filter.ToBlock = latest
		found, err := l.source.FilterEvents(ctx, filter)
		if err != nil {
			return from, err
		}
		collected = append(collected, found...)
	}
	sort.SliceStable(collected, func(i, j int) bool {
		if collected[i].BlockNumber != collected[j].BlockNumber {
			return collected[i].BlockNumber < collected[j].BlockNumber
		}
		return collected[i].LogIndex < collected[j].LogIndex
	})

	for _, event := range collected {
		env := NewEnvelope(event)
		if err := l.producer.Publish(ctx, env); err != nil {
			return from, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递链上事件失败")
		}
		metrics.ObserveEvent(string(event.Kind))
		l.logger.Debug("已投递链上事件",
			slog.String("envelope_id", env.ID),
			slog.String("kind", string(event.Kind)),
			slog.Uint64("block", event.BlockNumber),
			slog.String("tx", event.TxHash),
		)
	}

	if err := l.cursor.Store(ctx, latest); err != nil {
		return from, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存区块游标失败")
	}
	return latest + 1, nil
}
