package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-transfer/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries stock-moving work ahead of housekeeping.
	QueueCritical = "critical"

	// TaskShipmentSync polls the courier for one shipment.
	TaskShipmentSync = "shipment:sync"
	// TaskShipmentSyncOpen polls the courier for every open shipment.
	TaskShipmentSyncOpen = "shipment:sync_open"
	// TaskShipmentRegister retries courier registration of a shipment.
	TaskShipmentRegister = "shipment:register"
	// TaskDebtSweep flips debt orders the master warehouse can now cover.
	TaskDebtSweep = "debt:sweep"
	// TaskNotifySend delivers a queued notification.
	TaskNotifySend = notify.TaskTypeSend
)

// ShipmentPayload identifies a shipment.
type ShipmentPayload struct {
	ShipmentID int64 `json:"shipment_id"`
}

// SweepPayload carries scheduling metadata for batch jobs.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewShipmentSyncTask constructs a shipment:sync task.
func NewShipmentSyncTask(shipmentID int64) (*asynq.Task, error) {
	return newShipmentTask(TaskShipmentSync, shipmentID)
}

// NewShipmentRegisterTask constructs a shipment:register task.
func NewShipmentRegisterTask(shipmentID int64) (*asynq.Task, error) {
	return newShipmentTask(TaskShipmentRegister, shipmentID)
}

func newShipmentTask(typ string, shipmentID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ShipmentPayload{ShipmentID: shipmentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueCritical)), nil
}

// NewShipmentSyncOpenTask constructs the periodic open-shipment poll.
func NewShipmentSyncOpenTask(at time.Time) (*asynq.Task, error) {
	return newSweepTask(TaskShipmentSyncOpen, at)
}

// NewDebtSweepTask constructs a debt:sweep task.
func NewDebtSweepTask(at time.Time) (*asynq.Task, error) {
	return newSweepTask(TaskDebtSweep, at)
}

func newSweepTask(typ string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}
