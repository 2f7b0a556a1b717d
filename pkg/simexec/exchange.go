// 文件: pkg/simexec/exchange.go
// 内存执行层 + 券商 (模拟盘 / 测试)
//
// 同时实现 metrics.ExecutionLayer 和 liquidation.BrokerConnector:
// - Trade / Mark 维护持仓、成交和浮动盈亏
// - 可注入查询失败、平仓拒绝、平仓延迟、平仓后残留持仓

package simexec

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
)

var (
	_ metrics.ExecutionLayer      = (*Exchange)(nil)
	_ liquidation.BrokerConnector = (*Exchange)(nil)
)

// position 内部持仓
type position struct {
	symbol string
	side   metrics.Side
	qty    int64
	avg    decimal.Decimal
	// unrealized 非空时覆盖按标记价格计算的浮动盈亏
	unrealized *decimal.Decimal
}

// book 单个账户
type book struct {
	fills     []metrics.Fill
	positions map[string]*position

	fetchErr      error
	rejectFlatten int
	rejectReason  string
	keepOnFlatten bool
	flattenCalls  int
}

// Exchange 内存交易所
type Exchange struct {
	mu          sync.Mutex
	books       map[string]*book
	marks       map[string]decimal.Decimal
	pointValues map[string]decimal.Decimal
	flattenWait time.Duration
	seq         int64
	now         func() time.Time
}

// New 创建内存交易所
func New() *Exchange {
	return &Exchange{
		books:       make(map[string]*book),
		marks:       make(map[string]decimal.Decimal),
		pointValues: make(map[string]decimal.Decimal),
		now:         time.Now,
	}
}

// SetNow 替换时钟
func (e *Exchange) SetNow(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Open 开通账户
func (e *Exchange) Open(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bookLocked(accountID)
}

// SetPointValue 合约乘数 (如 ES = 50, NQ = 20)，默认 1
func (e *Exchange) SetPointValue(symbol string, pv decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pointValues[symbol] = pv
}

// =============================================================================
// 交易
// =============================================================================

// Trade 成交一笔
//
// 同方向加仓；反方向先平仓 (产生已实现盈亏)，剩余部分反手开仓
func (e *Exchange) Trade(accountID, symbol string, side metrics.Side, qty int64, price decimal.Decimal) metrics.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bookLocked(accountID)
	realized := decimal.Zero
	pv := e.pointValueLocked(symbol)

	p, ok := b.positions[symbol]
	switch {
	case !ok || p.qty == 0:
		b.positions[symbol] = &position{symbol: symbol, side: side, qty: qty, avg: price}
	case p.side == side:
		total := p.avg.Mul(decimal.NewFromInt(p.qty)).Add(price.Mul(decimal.NewFromInt(qty)))
		p.qty += qty
		p.avg = total.Div(decimal.NewFromInt(p.qty))
	default:
		closing := min(qty, p.qty)
		realized = price.Sub(p.avg).Mul(decimal.NewFromInt(closing)).Mul(pv).Mul(direction(p.side))
		p.qty -= closing
		if rest := qty - closing; rest > 0 {
			b.positions[symbol] = &position{symbol: symbol, side: side, qty: rest, avg: price}
		} else if p.qty == 0 {
			delete(b.positions, symbol)
		}
	}
	e.marks[symbol] = price

	return e.recordLocked(b, metrics.Fill{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Price:       price,
		RealizedPnL: realized,
	})
}

// Mark 更新标记价格 (影响所有账户该品种的浮动盈亏)
func (e *Exchange) Mark(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price
}

// AddFill 直接写入一笔成交 (ID / 时间为空时自动生成)
func (e *Exchange) AddFill(accountID string, f metrics.Fill) metrics.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordLocked(e.bookLocked(accountID), f)
}

// SetPosition 直接设置持仓和浮动盈亏 (qty = 0 删除)
func (e *Exchange) SetPosition(accountID, symbol string, side metrics.Side, qty int64, unrealized decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bookLocked(accountID)
	if qty == 0 {
		delete(b.positions, symbol)
		return
	}
	u := unrealized
	b.positions[symbol] = &position{symbol: symbol, side: side, qty: qty, unrealized: &u}
}

// =============================================================================
// 故障注入
// =============================================================================

// FailFetch 之后的查询返回 err (nil 恢复)
func (e *Exchange) FailFetch(accountID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bookLocked(accountID).fetchErr = err
}

// RejectFlatten 接下来 n 次平仓请求被拒绝
func (e *Exchange) RejectFlatten(accountID string, n int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bookLocked(accountID)
	b.rejectFlatten = n
	b.rejectReason = reason
}

// KeepPositionsOnFlatten 平仓返回成功但持仓不变 (残留敞口)
func (e *Exchange) KeepPositionsOnFlatten(accountID string, keep bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bookLocked(accountID).keepOnFlatten = keep
}

// SetFlattenDelay 平仓请求耗时
func (e *Exchange) SetFlattenDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flattenWait = d
}

// FlattenCalls 收到的平仓请求次数
func (e *Exchange) FlattenCalls(accountID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[accountID]; ok {
		return b.flattenCalls
	}
	return 0
}

// =============================================================================
// ExecutionLayer / BrokerConnector
// =============================================================================

// FetchActivity 查询游标之后的成交和当前持仓
func (e *Exchange) FetchActivity(ctx context.Context, accountID string, since account.FillCursor) (metrics.Activity, error) {
	if err := ctx.Err(); err != nil {
		return metrics.Activity{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// 模拟盘: 未知账户视为空账户
	b := e.bookLocked(accountID)
	if b.fetchErr != nil {
		return metrics.Activity{}, b.fetchErr
	}

	act := metrics.Activity{AsOf: e.now()}
	for _, f := range b.fills {
		if !since.Seen(f.ID, f.ExecutedAt) {
			act.Fills = append(act.Fills, f)
		}
	}
	for _, p := range b.sortedPositions() {
		act.Positions = append(act.Positions, metrics.Position{
			Symbol:        p.symbol,
			Side:          p.side,
			Qty:           p.qty,
			AvgPrice:      p.avg,
			UnrealizedPnL: e.unrealizedLocked(p),
		})
	}
	return act, nil
}

// FlattenAll 市价平掉所有持仓，浮动盈亏转为已实现
func (e *Exchange) FlattenAll(ctx context.Context, accountID string) (liquidation.FlattenReceipt, error) {
	e.mu.Lock()
	wait := e.flattenWait
	if b, ok := e.books[accountID]; ok {
		b.flattenCalls++
	}
	e.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return liquidation.FlattenReceipt{}, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[accountID]
	if !ok {
		return liquidation.FlattenReceipt{ReasonCode: "UNKNOWN_ACCOUNT"}, nil
	}
	if b.rejectFlatten > 0 {
		b.rejectFlatten--
		return liquidation.FlattenReceipt{ReasonCode: b.rejectReason}, nil
	}
	if b.keepOnFlatten {
		return liquidation.FlattenReceipt{Success: true}, nil
	}

	closed := 0
	for _, p := range b.sortedPositions() {
		side := metrics.SideSell
		if p.side == metrics.SideSell {
			side = metrics.SideBuy
		}
		e.recordLocked(b, metrics.Fill{
			Symbol:      p.symbol,
			Side:        side,
			Qty:         p.qty,
			Price:       e.marks[p.symbol],
			RealizedPnL: e.unrealizedLocked(p),
		})
		delete(b.positions, p.symbol)
		closed++
	}
	return liquidation.FlattenReceipt{Success: true, ClosedPositions: closed}, nil
}

// =============================================================================
// 内部
// =============================================================================

func (e *Exchange) bookLocked(accountID string) *book {
	b, ok := e.books[accountID]
	if !ok {
		b = &book{positions: make(map[string]*position)}
		e.books[accountID] = b
	}
	return b
}

func (e *Exchange) recordLocked(b *book, f metrics.Fill) metrics.Fill {
	e.seq++
	if f.ID == "" {
		f.ID = fmt.Sprintf("F%08d", e.seq)
	}
	if f.ExecutedAt.IsZero() {
		f.ExecutedAt = e.now()
	}
	b.fills = append(b.fills, f)
	return f
}

func (e *Exchange) pointValueLocked(symbol string) decimal.Decimal {
	if pv, ok := e.pointValues[symbol]; ok {
		return pv
	}
	return decimal.NewFromInt(1)
}

func (e *Exchange) unrealizedLocked(p *position) decimal.Decimal {
	if p.unrealized != nil {
		return *p.unrealized
	}
	mark, ok := e.marks[p.symbol]
	if !ok {
		return decimal.Zero
	}
	return mark.Sub(p.avg).Mul(decimal.NewFromInt(p.qty)).Mul(e.pointValueLocked(p.symbol)).Mul(direction(p.side))
}

func (b *book) sortedPositions() []*position {
	out := make([]*position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *position) int {
		switch {
		case a.symbol < b.symbol:
			return -1
		case a.symbol > b.symbol:
			return 1
		}
		return 0
	})
	return out
}

func direction(side metrics.Side) decimal.Decimal {
	if side == metrics.SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
