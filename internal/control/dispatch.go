// Package control exposes the session commands over NATS request/reply and
// HTTP. Both surfaces share Dispatch so they answer identically.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/classifier"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/session"
)

// ErrUnknownAction is returned for actions outside the protocol set.
var ErrUnknownAction = errors.New("unknown action")

// Controller is the subset of session.Controller the control surfaces drive.
type Controller interface {
	StartSession(ctx context.Context, opts session.StartOptions) (session.Snapshot, error)
	StopSession(ctx context.Context) session.Snapshot
	ToggleDetection(ctx context.Context) (session.Snapshot, error)
	InsertWordBoundary(ctx context.Context) (session.Snapshot, error)
	Snapshot() session.Snapshot
}

// Dispatch runs action against ctrl and renders the outcome.
func Dispatch(ctx context.Context, ctrl Controller, action string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	var (
		snap session.Snapshot
		err  error
	)
	switch action {
	case protocol.ActionStart:
		snap, err = ctrl.StartSession(ctx, session.StartOptions{
			UserID:         req.UserID,
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
		})
	case protocol.ActionStop:
		snap = ctrl.StopSession(ctx)
	case protocol.ActionToggle:
		snap, err = ctrl.ToggleDetection(ctx)
	case protocol.ActionSpace:
		snap, err = ctrl.InsertWordBoundary(ctx)
	case protocol.ActionStatus:
		snap = ctrl.Snapshot()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
		return protocol.ControlReply{OK: false, Error: err.Error(), Transcript: []string{}}, err
	}

	reply := snap.Reply()
	if err != nil {
		reply.OK = false
		reply.Error = err.Error()
	}
	return reply, err
}

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, classifier.ErrModelLoad):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
