package model

import "time"

// String は文字列のポインタを返す。
func String(s string) *string { return &s }

// Int64 はint64のポインタを返す。
func Int64(v int64) *int64 { return &v }

// Time は時刻のポインタを返す。
func Time(t time.Time) *time.Time { return &t }

// NormalizeTime は時刻をUTCに変換し、ミリ秒精度に切り詰める。
// 全アダプターは書き込み時と読み出し時にこの正規化を通す。
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeTimePtr はnilを保ったままNormalizeTimeを適用する。
func NormalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return Time(NormalizeTime(*t))
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
