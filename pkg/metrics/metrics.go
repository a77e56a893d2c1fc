package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		UploadDuration, UploadTotal,
		BatchTaskTotal, BatchQueueDepth,
		SearchDuration, IntegrationRequestTotal,
		StorageBytes,
	)
}

// UploadDuration 上传处理耗时（秒）
var UploadDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pathdata_upload_duration_seconds",
		Help:    "上传处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"modality"}, // image | document
)

// UploadTotal 上传总数（按模态与结果）
var UploadTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pathdata_upload_total",
		Help: "上传总数（按模态与结果）",
	},
	[]string{"modality", "status"}, // status: ok | error
)

// BatchTaskTotal 批量任务总数（按终态）
var BatchTaskTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pathdata_batch_task_total",
		Help: "批量任务总数（按终态）",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// BatchQueueDepth 当前排队中的批量任务数
var BatchQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pathdata_batch_queue_depth",
		Help: "当前排队中的批量任务数",
	},
)

// SearchDuration 检索耗时（秒）
var SearchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pathdata_search_duration_seconds",
		Help:    "检索耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"}, // text | structured
)

// IntegrationRequestTotal 外部系统调用总数
var IntegrationRequestTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pathdata_integration_request_total",
		Help: "外部系统调用总数",
	},
	[]string{"system", "status"}, // system: his | emr | lis | pacs
)

// StorageBytes 各模态存储占用字节数
var StorageBytes = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pathdata_storage_bytes",
		Help: "各模态存储占用字节数",
	},
	[]string{"modality"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
