package utils

import "time"

// DayKeyFormat 日期键格式（快照表、日历查询统一使用）
const DayKeyFormat = "2006-01-02"

// DayKey 返回时间对应的日期键（UTC）
func DayKey(t time.Time) string {
	return t.UTC().Format(DayKeyFormat)
}

// ParseDayKey 解析日期键为当日零点（UTC）
func ParseDayKey(key string) (time.Time, error) {
	return time.ParseInLocation(DayKeyFormat, key, time.UTC)
}

// DayStart 返回当日零点（UTC）
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayEnd 返回当日最后一纳秒（UTC）
func DayEnd(t time.Time) time.Time {
	return DayStart(t).Add(24*time.Hour - time.Nanosecond)
}

// WeekStart 返回所在 ISO 周的周一零点（UTC）
func WeekStart(t time.Time) time.Time {
	d := DayStart(t)
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7 // 周日算第7天
	}
	return d.AddDate(0, 0, -(weekday - 1))
}

// MonthStart 返回所在月份1号零点（UTC）
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
