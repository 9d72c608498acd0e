package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Reading is one row of the ts_measure hypertable: one point at one
// timestamp. Exactly one of the three value columns is non-null. Chunking
// and row-level security are provisioned outside this process; the repo
// only honors them by setting app.tenant_id per transaction.
type Reading struct {
	TenantID  uuid.UUID      `gorm:"column:tenant_id;type:uuid;index:idx_measure_series,priority:1"`
	DeviceID  string         `gorm:"column:device_id;index:idx_measure_series,priority:2"`
	AssetTag  string         `gorm:"column:asset_tag"`
	Site      string         `gorm:"column:site"`
	SensorID  string         `gorm:"column:sensor_id;index:idx_measure_series,priority:3"`
	TS        time.Time      `gorm:"column:ts;index:idx_measure_series,priority:4"`
	ValueNum  *float64       `gorm:"column:v_num"`
	ValueBool *bool          `gorm:"column:v_bool"`
	ValueText *string        `gorm:"column:v_text"`
	Unit      string         `gorm:"column:unit"`
	Qual      int16          `gorm:"column:qual"`
	Meta      datatypes.JSON `gorm:"column:meta;type:jsonb"`
}

func (Reading) TableName() string { return "ts_measure" }

// CommandAck is the durable acknowledgement row. The natural key is
// (tenant, device, command id); repeated receipt upserts.
type CommandAck struct {
	TenantID   uuid.UUID      `gorm:"column:tenant_id;type:uuid;primaryKey"`
	DeviceID   string         `gorm:"column:device_id;primaryKey"`
	CmdID      string         `gorm:"column:cmd_id;primaryKey"`
	OK         bool           `gorm:"column:ok"`
	TSExec     time.Time      `gorm:"column:ts_exec"`
	Payload    datatypes.JSON `gorm:"column:payload;type:jsonb"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (CommandAck) TableName() string { return "cmd_ack" }

// ErrorRow is one dead-lettered message. TenantID stays nil when the
// failure happened before the tenant resolved; the raw slug then lives in
// the reason text. Retention is enforced by an external cleanup query.
type ErrorRow struct {
	ID       int64      `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID *uuid.UUID `gorm:"column:tenant_id;type:uuid"`
	Topic    string     `gorm:"column:topic"`
	Payload  string     `gorm:"column:payload"`
	Kind     string     `gorm:"column:kind;index"`
	Reason   string     `gorm:"column:reason"`
	TS       time.Time  `gorm:"column:ts;index"`
}

func (ErrorRow) TableName() string { return "ingest_errors" }

// Tenant backs slug resolution for the topic router.
type Tenant struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Slug      string    `gorm:"column:slug;uniqueIndex"`
	Name      string    `gorm:"column:name"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Tenant) TableName() string { return "tenants" }
