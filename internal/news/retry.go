package news

import (
	"fmt"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	FetchResultOK FetchResult = iota
	FetchResultNotModified
	// FetchResultStop はソースの停止が必要なステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なステータス（429/5xx）。
	FetchResultBackoff
	FetchResultUnknown
)

const (
	initialBackoff        = 30 * time.Minute
	maxBackoff            = 12 * time.Hour
	parseFailureThreshold = 10
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 404 || statusCode == 410, statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429, statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数から次回フェッチまでの遅延を計算する。
// 初回30分、以後2倍ずつ増加し、12時間で頭打ちになる。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// sourceState はソースのフェッチ状態遷移を現在時刻付きで適用する。
type sourceState struct {
	now time.Time
}

func (s sourceState) stop(src *model.NewsSource, reason string) {
	src.FetchStatus = model.FetchStatusStopped
	src.ErrorMessage = reason
	src.UpdatedAt = s.now
}

func (s sourceState) backoff(src *model.NewsSource, reason string) {
	src.ConsecutiveErrors++
	src.ErrorMessage = reason
	src.NextFetchAt = s.now.Add(CalculateBackoff(src.ConsecutiveErrors - 1))
	src.UpdatedAt = s.now
}

func (s sourceState) success(src *model.NewsSource, interval time.Duration) {
	src.ConsecutiveErrors = 0
	src.ErrorMessage = ""
	src.NextFetchAt = s.now.Add(interval)
	src.UpdatedAt = s.now
}

// parseFailure は連続失敗回数を加算し、閾値に達したらソースをエラー状態にする。
// パース失敗時も次回フェッチはバックオフで遅らせる。
func (s sourceState) parseFailure(src *model.NewsSource, reason string) {
	s.backoff(src, fmt.Sprintf("パース失敗 (%d回連続): %s", src.ConsecutiveErrors+1, reason))
	if src.ConsecutiveErrors >= parseFailureThreshold {
		src.FetchStatus = model.FetchStatusError
		src.ErrorMessage = fmt.Sprintf("パース失敗が%d回連続したためフェッチを停止しました: %s", src.ConsecutiveErrors, reason)
	}
}
