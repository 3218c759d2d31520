package audit

/*
Файл decisionlog.go реализует журнал решений — асинхронную доставку DecisionRecord
в хранилище без влияния на задержку ответа прокси.

- Non-blocking: Record кладет запись в ограниченный канал и возвращается сразу
  (или через send_timeout). Задержки записи в хранилище не видны на Hot Path.
- Overflow: при переполнении либо отбрасываем новую запись (drop_newest), либо
  вытесняем самую старую (drop_oldest). Каждая потеря считается и видна в метриках.
- Batching: N воркеров копят пачки и пишут их по размеру или по таймеру.
- Drain: Stop запирает вход, воркеры вычитывают остаток канала и делают финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store определяет, куда физически будут сохраняться записи
type Store interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []DecisionRecord) error
}

// Recorder — то, что нужно точке принятия решений от журнала.
type Recorder interface {
	Record(rec DecisionRecord)
}

// Overflow — политика при заполненном буфере.
type Overflow string

const (
	DropNewest Overflow = "drop_newest"
	DropOldest Overflow = "drop_oldest"
)

// Причины потери записи (метка метрики)
const (
	DropReasonOverflow = "overflow"
	DropReasonStopped  = "stopped"
)

type Options struct {
	BufferSize    int
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	SendTimeout   time.Duration // 0 — не ждать вовсе
	Overflow      Overflow

	// Хуки для метрик; вызываются из горячего пути, должны быть дешевыми
	OnDrop  func(reason string)
	OnFlush func(records int, err error)
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.Overflow == "" {
		o.Overflow = DropNewest
	}
}

type DecisionLog struct {
	ch     chan DecisionRecord // Буфер для асинхронности
	store  Store
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	// closeMu: Record держит RLock на время отправки, Stop берет Lock перед close(ch),
	// поэтому отправка в закрытый канал невозможна
	closeMu sync.RWMutex
	closed  bool

	dropped  atomic.Int64
	lastWarn atomic.Int64 // unix nanos последнего предупреждения о потерях
}

func NewDecisionLog(store Store, logger *zap.Logger, opts Options) *DecisionLog {
	opts.setDefaults()
	return &DecisionLog{
		ch:     make(chan DecisionRecord, opts.BufferSize),
		store:  store,
		opts:   opts,
		logger: logger.With(zap.String("mod", "decision-log")),
	}
}

func (l *DecisionLog) Start() {
	for i := 0; i < l.opts.Workers; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}
}

// Stop «запирает» вход в канал и ждет, пока воркеры всё допишут.
func (l *DecisionLog) Stop() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		l.wg.Wait()
		return
	}
	l.closed = true
	l.logger.Info("stopping decision log: closing channel and flushing buffer...",
		zap.Int("pending", len(l.ch)))
	close(l.ch)
	l.closeMu.Unlock()

	l.wg.Wait()
	l.logger.Info("decision log stopped gracefully", zap.Int64("dropped_total", l.dropped.Load()))
}

// Record ставит запись в очередь. Никогда не блокирует дольше SendTimeout.
func (l *DecisionLog) Record(rec DecisionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()

	if l.closed {
		l.drop(rec, DropReasonStopped)
		return
	}

	// Fast path
	select {
	case l.ch <- rec:
		return
	default:
	}

	if l.opts.SendTimeout > 0 {
		timer := time.NewTimer(l.opts.SendTimeout)
		defer timer.Stop()
		select {
		case l.ch <- rec:
			return
		case <-timer.C:
		}
	}

	if l.opts.Overflow == DropOldest {
		// Вытесняем самую старую запись. Между receive и send канал могут
		// снова занять конкуренты — тогда теряется уже эта запись.
		select {
		case old := <-l.ch:
			l.drop(old, DropReasonOverflow)
		default:
		}
		select {
		case l.ch <- rec:
			return
		default:
		}
	}
	l.drop(rec, DropReasonOverflow)
}

// Dropped — сколько записей потеряно с момента запуска.
func (l *DecisionLog) Dropped() int64 {
	return l.dropped.Load()
}

// Pending — текущая глубина очереди.
func (l *DecisionLog) Pending() int {
	return len(l.ch)
}

func (l *DecisionLog) drop(rec DecisionRecord, reason string) {
	total := l.dropped.Add(1)
	if l.opts.OnDrop != nil {
		l.opts.OnDrop(reason)
	}

	// Не чаще раза в секунду, иначе при перегрузке сами логи станут нагрузкой
	now := time.Now().UnixNano()
	last := l.lastWarn.Load()
	if now-last < int64(time.Second) || !l.lastWarn.CompareAndSwap(last, now) {
		return
	}
	l.logger.Warn("decision record dropped",
		zap.String("reason", reason),
		zap.String("decision_id", rec.DecisionID),
		zap.Int64("dropped_total", total),
	)
}

func (l *DecisionLog) worker(id int) {
	defer l.wg.Done()

	batch := make([]DecisionRecord, 0, l.opts.BatchSize)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: к моменту финального flush основной контекст уже отменен
		err := l.store.WriteBatch(context.Background(), batch)
		if err != nil {
			l.logger.Error("decision log flush failed",
				zap.Int("worker", id), zap.Int("records", len(batch)), zap.Error(err))
		}
		if l.opts.OnFlush != nil {
			l.opts.OnFlush(len(batch), err)
		}
		// Хранилище могло удержать срез, поэтому новый буфер, а не batch[:0]
		batch = make([]DecisionRecord, 0, l.opts.BatchSize)
	}

	for {
		select {
		case rec, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан, финальный сброс
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
