// Package gateway defines the port through which conductor starts, tracks
// and cancels remote activities on instrument controllers, together with an
// in-process simulator that serves as the daemon's default gateway and the
// test suites' controller stand-in.
//
// Remote errors that must never be retried carry fixed marker prefixes in
// their text (invalid_options, unknown_activity, authorization_failed,
// resource_not_found); the supervisor's retry policy keys off these markers.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

// ErrDataNotReady is returned by GetActivityData while an activity has not
// completed; data products may lag the activity lifecycle.
var ErrDataNotReady = errors.New("data not ready")

// CorrelationRef carries the originating context of a dispatch so the
// controller side can tag telemetry. Opaque to the controller.
type CorrelationRef struct {
	TaskID          string
	ExperimentRunID string
	CampaignID      string
	StepID          string
	TraceID         string
}

type StartRequest struct {
	ControllerID string
	ActivityName string
	Options      []model.KeyValue
	Deadline     *time.Time
	Correlation  CorrelationRef
}

type StartReply struct {
	ActivityID string
}

type StatusReply struct {
	Status  model.ActivityStatus
	Message string
}

type DataReply struct {
	Products []string
}

type HealthReply struct {
	Healthy bool
	Message string
}

type ControllerInfo struct {
	ID         string   `json:"id"`
	Activities []string `json:"activities"`
}

type Gateway interface {
	StartActivity(ctx context.Context, req StartRequest) (StartReply, error)
	GetActivityStatus(ctx context.Context, controllerID, activityID string) (StatusReply, error)
	GetActivityData(ctx context.Context, controllerID, activityID string) (DataReply, error)
	CancelActivity(ctx context.Context, controllerID, activityID, reason string) error
	ListControllers(ctx context.Context) ([]ControllerInfo, error)
	GetControllerHealth(ctx context.Context, controllerID string) (HealthReply, error)
}
