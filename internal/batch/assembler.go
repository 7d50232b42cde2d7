package batch

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/signer"
)

const (
	// DefaultCapacity 默认每批最多生命体征条数
	DefaultCapacity = 100
	// MaxAlarmsPerBatch 每批最多嵌入报警条数
	MaxAlarmsPerBatch = 100
)

var (
	// ErrAlreadyFinalized 批次已签名定稿，不再接受追加
	ErrAlreadyFinalized = errors.New("batch already finalized")
	// ErrBatchFull 批次已满（Finalizing），调用方应换新批次
	ErrBatchFull = errors.New("batch is full")
	// ErrUrgentAlarm HIGH 报警不进入批次
	ErrUrgentAlarm = errors.New("high priority alarm must be sent out of band")
)

// State 批次组装状态
type State int

const (
	StateOpen State = iota
	StateFinalizing
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

// Assembler 单个批次的组装器
// 状态机：Open → Finalizing → Finalized；追加和定稿共用一把锁
type Assembler struct {
	mu        sync.Mutex
	state     State
	capacity  int
	deviceID  string
	patientID *string
	kind      models.BatchKind
	vitals    []models.VitalRecord
	alarms    []models.AlarmEvent
	batch     *models.TelemetryBatch
	now       func() time.Time
}

// NewAssembler 创建批次组装器；capacity <= 0 时使用默认值
func NewAssembler(deviceID string, patientID *string, capacity int) *Assembler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Assembler{
		state:     StateOpen,
		capacity:  capacity,
		deviceID:  deviceID,
		patientID: copyString(patientID),
		kind:      models.BatchKindTelemetry,
		vitals:    make([]models.VitalRecord, 0, capacity),
		now:       time.Now,
	}
}

// NewAlarmAssembler 为单条 HIGH 报警创建组装器（带外发送，复用签名/发送流程）
func NewAlarmAssembler(alarm models.AlarmEvent) *Assembler {
	a := NewAssembler(alarm.DeviceID, alarm.PatientID, 1)
	a.kind = models.BatchKindAlarm
	a.alarms = []models.AlarmEvent{alarm}
	a.state = StateFinalizing
	return a
}

// Append 追加一条生命体征（O(1)）
// 返回 full=true 表示达到容量，已转入 Finalizing
func (a *Assembler) Append(record models.VitalRecord) (full bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateFinalized:
		return false, ErrAlreadyFinalized
	case StateFinalizing:
		return true, ErrBatchFull
	}

	a.vitals = append(a.vitals, record)
	if len(a.vitals) >= a.capacity {
		a.state = StateFinalizing
		return true, nil
	}
	return false, nil
}

// AppendAlarm 嵌入一条 MEDIUM/LOW 报警
func (a *Assembler) AppendAlarm(alarm models.AlarmEvent) error {
	if alarm.IsUrgent() {
		return ErrUrgentAlarm
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateFinalized:
		return ErrAlreadyFinalized
	case StateFinalizing:
		return ErrBatchFull
	}
	if len(a.alarms) >= MaxAlarmsPerBatch {
		a.state = StateFinalizing
		return ErrBatchFull
	}
	a.alarms = append(a.alarms, alarm)
	return nil
}

// Finalize 分配批次ID和创建时间，签名后转入 Finalized
// 签名失败（如密钥缺失）时保持未定稿，记录不会丢失，可在修复后重试
func (a *Assembler) Finalize(secretKey []byte) (*models.TelemetryBatch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateFinalized {
		return nil, ErrAlreadyFinalized
	}
	a.state = StateFinalizing

	b := a.build()
	if err := signer.SignBatch(b, secretKey); err != nil {
		return nil, err
	}

	a.batch = b
	a.state = StateFinalized
	return b, nil
}

// Stage 不签名定稿，用于无密钥时停机落盘
// 返回的批次未签名，只能进入离线队列，发送前必须补签
func (a *Assembler) Stage() (*models.TelemetryBatch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateFinalized {
		return nil, ErrAlreadyFinalized
	}
	b := a.build()
	a.batch = b
	a.state = StateFinalized
	return b, nil
}

func (a *Assembler) build() *models.TelemetryBatch {
	vitals := make([]models.VitalRecord, len(a.vitals))
	copy(vitals, a.vitals)
	alarms := make([]models.AlarmEvent, len(a.alarms))
	copy(alarms, a.alarms)

	return &models.TelemetryBatch{
		BatchID:   uuid.New().String(),
		Kind:      a.kind,
		DeviceID:  a.deviceID,
		PatientID: copyString(a.patientID),
		CreatedAt: a.now(),
		Vitals:    vitals,
		Alarms:    alarms,
	}
}

// State 当前状态
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Len 已追加的生命体征条数
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.vitals)
}

// AlarmCount 已嵌入的报警条数
func (a *Assembler) AlarmCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alarms)
}

// Empty 没有任何记录
func (a *Assembler) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.vitals) == 0 && len(a.alarms) == 0
}

// Capacity 批次容量
func (a *Assembler) Capacity() int {
	return a.capacity
}

// Seal 停止接受追加（用于定时刷新），Open → Finalizing
func (a *Assembler) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateOpen {
		a.state = StateFinalizing
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
