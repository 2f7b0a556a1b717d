package metrics

import (
	"time"
)

// DefaultRolloverHour 期货交易日切换时间 (芝加哥时间 17:00)
const DefaultRolloverHour = 17

// SessionClock 交易日时钟
//
// 交易日在 Location 的 RolloverHour 切换:
// 例如 17:00 切换时，周一 17:30 的成交属于周二交易日
type SessionClock struct {
	Location     *time.Location
	RolloverHour int
}

// NewSessionClock 创建交易日时钟
func NewSessionClock(tz string, rolloverHour int) (SessionClock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return SessionClock{}, err
	}
	if rolloverHour < 0 || rolloverHour > 23 {
		rolloverHour = 0
	}
	return SessionClock{Location: loc, RolloverHour: rolloverHour}, nil
}

// TradingDay 返回时间所属交易日 (YYYY-MM-DD)
func (c SessionClock) TradingDay(t time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if c.RolloverHour > 0 && local.Hour() >= c.RolloverHour {
		local = local.AddDate(0, 0, 1)
	}
	return local.Format(time.DateOnly)
}
