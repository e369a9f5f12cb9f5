package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

const commandTimeout = 15 * time.Second

// Service answers control requests published on sign.control.<action>.
type Service struct {
	bus    *bus.Client
	ctrl   Controller
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, busClient *bus.Client, ctrl Controller) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		ctrl:   ctrl,
		log:    busClient.Logger().With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe control requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	action := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")

	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("failed to decode control request", slog.String("action", action), slog.String("error", err.Error()))
			s.respond(msg, protocol.ControlReply{Error: "invalid request: " + err.Error(), Transcript: []string{}})
			return
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	reply, err := Dispatch(ctx, s.ctrl, action, req)
	if err != nil {
		s.log.Warn("control command failed", slog.String("action", action), slog.String("error", err.Error()))
	} else {
		s.log.Info("control command handled", slog.String("action", action), slog.String("state", reply.State))
	}
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("failed to encode control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

// Request sends action over conn and waits for the reply.
func Request(ctx context.Context, conn *nats.Conn, action string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.ControlReply{}, fmt.Errorf("encode request: %w", err)
	}
	msg, err := conn.RequestWithContext(ctx, protocol.ControlSubject(action), data)
	if err != nil {
		return protocol.ControlReply{}, fmt.Errorf("request %s: %w", action, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.ControlReply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
