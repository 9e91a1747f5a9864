// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// 探索・メタデータ更新・認証・ニュース取得の各サービスのメトリクス記録先を兼ねる。
type Collector struct {
	channelsProcessed prometheus.Counter
	channelsFailed    prometheus.Counter
	streamsDiscovered prometheus.Counter
	streamsUpserted   prometheus.Counter
	discoveryDuration prometheus.Histogram
	metadataRefresh   *prometheus.CounterVec
	metadataChanges   prometheus.Counter
	authRefresh       *prometheus.CounterVec
	authReuseDetected prometheus.Counter
	newsFetch         *prometheus.CounterVec
	articlesUpserted  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		channelsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_discovery_channels_processed_total",
			Help: "探索を実行したチャンネルの合計数",
		}),
		channelsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_discovery_channels_failed_total",
			Help: "探索に失敗したチャンネルの合計数",
		}),
		streamsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_discovery_streams_discovered_total",
			Help: "発見した配信の合計数",
		}),
		streamsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_discovery_streams_upserted_total",
			Help: "保存した配信イベントの合計数",
		}),
		discoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanlive_discovery_run_duration_seconds",
			Help:    "探索1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		metadataRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanlive_metadata_refresh_total",
			Help: "結果別のメタデータ更新数",
		}, []string{"result"}),
		metadataChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_metadata_changes_total",
			Help: "タイトルまたはサムネイルが変化した更新の合計数",
		}),
		authRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanlive_auth_refresh_total",
			Help: "結果別のトークンリフレッシュ数",
		}, []string{"result"}),
		authReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_auth_reuse_detected_total",
			Help: "リフレッシュトークンの再利用を検知した合計数",
		}),
		newsFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanlive_news_fetch_total",
			Help: "結果別のニュースソースフェッチ数",
		}, []string{"result"}),
		articlesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanlive_news_articles_upserted_total",
			Help: "保存したニュース記事の合計数",
		}),
	}

	reg.MustRegister(
		c.channelsProcessed,
		c.channelsFailed,
		c.streamsDiscovered,
		c.streamsUpserted,
		c.discoveryDuration,
		c.metadataRefresh,
		c.metadataChanges,
		c.authRefresh,
		c.authReuseDetected,
		c.newsFetch,
		c.articlesUpserted,
	)

	return c
}

func (c *Collector) IncDiscoveryChannelsProcessed() { c.channelsProcessed.Inc() }

func (c *Collector) IncDiscoveryChannelsFailed() { c.channelsFailed.Inc() }

func (c *Collector) AddDiscoveryStreamsDiscovered(n int) { c.streamsDiscovered.Add(float64(n)) }

func (c *Collector) IncDiscoveryStreamsUpserted() { c.streamsUpserted.Inc() }

// ObserveDiscoveryRun は探索1回分の所要時間を記録する。
func (c *Collector) ObserveDiscoveryRun(d time.Duration) {
	c.discoveryDuration.Observe(d.Seconds())
}

func (c *Collector) IncMetadataRefresh(result string) {
	c.metadataRefresh.WithLabelValues(result).Inc()
}

func (c *Collector) IncMetadataChanges() { c.metadataChanges.Inc() }

func (c *Collector) IncAuthRefresh(result string) {
	c.authRefresh.WithLabelValues(result).Inc()
}

func (c *Collector) IncAuthReuseDetected() { c.authReuseDetected.Inc() }

func (c *Collector) IncNewsFetch(result string) {
	c.newsFetch.WithLabelValues(result).Inc()
}

func (c *Collector) AddNewsArticlesUpserted(n int) { c.articlesUpserted.Add(float64(n)) }

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
