package sync

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/metrics"
)

// ProductTrigger reacts to a product row changing in the shared catalog.
type ProductTrigger func(ctx context.Context, change CatalogChange)

// CatalogListener follows the MySQL binlog of the shared products table and
// fires trigger for updated products, at most once per cooldown per product.
type CatalogListener struct {
	cfg     config.BinlogConfig
	canal   *canal.Canal
	handler *rowHandler
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCatalogListener(cfg config.BinlogConfig, trigger ProductTrigger, m *metrics.Metrics) (*CatalogListener, error) {
	table := cfg.ProductsTable
	if table == "" {
		table = "products"
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // follow the binlog only, never dump
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(cfg.Database), regexp.QuoteMeta(table))},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &CatalogListener{
		cfg:     cfg,
		canal:   c,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	l.handler = newRowHandler(ctx, table, newCooldown(cfg.GetCooldown()), trigger)
	c.SetEventHandler(l.handler)
	return l, nil
}

// Start follows the binlog from the current master position.
func (l *CatalogListener) Start() error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("read master position: %w", err)
	}
	logger.Log.Info("Starting catalog listener",
		zap.String("host", l.cfg.Host),
		zap.String("file", pos.Name),
		zap.Uint32("pos", pos.Pos),
	)

	go func() {
		defer close(l.done)
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			l.metrics.BinlogRestarted()
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

func (l *CatalogListener) Stop() {
	l.cancel()
	l.canal.Close()
	<-l.done
	logger.Log.Info("Stopped catalog listener")
}

type rowHandler struct {
	canal.DummyEventHandler
	ctx      context.Context
	table    string
	cooldown *cooldown
	trigger  ProductTrigger
}

func newRowHandler(ctx context.Context, table string, cd *cooldown, trigger ProductTrigger) *rowHandler {
	return &rowHandler{ctx: ctx, table: table, cooldown: cd, trigger: trigger}
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table == nil || e.Table.Name != h.table || e.Action != canal.UpdateAction {
		return nil
	}
	idx := e.Table.FindColumn("id")
	if idx < 0 {
		return nil
	}

	var ts uint32
	if e.Header != nil {
		ts = e.Header.Timestamp
	}

	// Update rows come in before/after pairs.
	for i := 1; i < len(e.Rows); i += 2 {
		row := e.Rows[i]
		if idx >= len(row) {
			continue
		}
		id := columnString(row[idx])
		if id == "" || !h.cooldown.allow(id) {
			continue
		}
		h.trigger(h.ctx, CatalogChange{ProductID: id, Action: e.Action, Timestamp: ts})
	}
	return nil
}

func (h *rowHandler) String() string {
	return "CatalogEventHandler"
}

func columnString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// cooldown lets a key through at most once per window.
type cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{window: window, last: map[string]time.Time{}, now: time.Now}
}

func (c *cooldown) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if t, ok := c.last[key]; ok && now.Sub(t) < c.window {
		return false
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		for k, t := range c.last {
			if now.Sub(t) >= c.window {
				delete(c.last, k)
			}
		}
	}
	return true
}
