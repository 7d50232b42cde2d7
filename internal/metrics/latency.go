package metrics

import (
	"time"

	"wisefido-telemetry/internal/models"
)

// Stage 延迟阶段
type Stage string

const (
	StageStore            Stage = "store"             // saved - created
	StageQueue            Stage = "queue"             // started - saved
	StageTransmit         Stage = "transmit"          // received - started
	StageServerProcessing Stage = "server_processing" // acknowledged - received
	StageEndToEnd         Stage = "end_to_end"        // acknowledged - created
)

// Stages 固定输出顺序
var Stages = []Stage{StageStore, StageQueue, StageTransmit, StageServerProcessing, StageEndToEnd}

// Quality 端到端延迟等级
type Quality string

const (
	QualityExcellent  Quality = "EXCELLENT"
	QualityGood       Quality = "GOOD"
	QualityAcceptable Quality = "ACCEPTABLE"
	QualitySlow       Quality = "SLOW"
	QualityCritical   Quality = "CRITICAL"
	QualityUnknown    Quality = "UNKNOWN"
)

// AtLeast q 是否不差于 other（UNKNOWN 最差）
func (q Quality) AtLeast(other Quality) bool {
	return q.rank() <= other.rank()
}

func (q Quality) rank() int {
	switch q {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityAcceptable:
		return 2
	case QualitySlow:
		return 3
	case QualityCritical:
		return 4
	}
	return 5
}

// Latencies 可推导的阶段延迟；缺失阶段不出现在 map 中
type Latencies map[Stage]time.Duration

// Warning 时间戳顺序异常（延迟为负）
type Warning struct {
	BatchID string
	Stage   Stage
	Value   time.Duration
}

// Compute 计算所有两端时间戳都存在的阶段延迟，负值原样保留
func Compute(m models.TransmissionMetrics) Latencies {
	l := make(Latencies, len(Stages))
	diff := func(stage Stage, from, to time.Time) {
		if from.IsZero() || to.IsZero() {
			return
		}
		l[stage] = to.Sub(from)
	}
	diff(StageStore, m.CreatedAt, m.SavedAt)
	diff(StageQueue, m.SavedAt, m.TransmissionStartedAt)
	diff(StageTransmit, m.TransmissionStartedAt, m.ServerReceivedAt)
	diff(StageServerProcessing, m.ServerReceivedAt, m.ServerAcknowledgedAt)
	diff(StageEndToEnd, m.CreatedAt, m.ServerAcknowledgedAt)
	return l
}

// Check 返回所有负延迟
func Check(batchID string, l Latencies) []Warning {
	var warnings []Warning
	for _, stage := range Stages {
		if v, ok := l[stage]; ok && v < 0 {
			warnings = append(warnings, Warning{BatchID: batchID, Stage: stage, Value: v})
		}
	}
	return warnings
}

// Classify 按端到端延迟分级；无法推导或为负时返回 UNKNOWN
func Classify(l Latencies) Quality {
	e2e, ok := l[StageEndToEnd]
	if !ok || e2e < 0 {
		return QualityUnknown
	}
	switch {
	case e2e < 100*time.Millisecond:
		return QualityExcellent
	case e2e < 500*time.Millisecond:
		return QualityGood
	case e2e < 2000*time.Millisecond:
		return QualityAcceptable
	case e2e < 5000*time.Millisecond:
		return QualitySlow
	}
	return QualityCritical
}
