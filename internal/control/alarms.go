package control

import (
	"context"
	"slices"
	"time"

	"github.com/datallboy/usenetd/internal/domain"
)

// Alarm is a condition that needs an operator, such as rejected
// credentials.
type Alarm struct {
	Kind   domain.Kind `json:"kind"`
	Server string      `json:"server,omitempty"`
	Msg    string      `json:"message"`
	At     time.Time   `json:"at"`
}

func (s *Service) raise(a Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, old := range s.alarms {
		if old.Kind == a.Kind && old.Server == a.Server {
			s.alarms[i] = a
			return
		}
	}
	s.alarms = append(s.alarms, a)
}

func (s *Service) authFailed(server string, err error) {
	s.log.Error("Server %s rejected credentials, disabled until they change: %v", server, err)
	s.raise(Alarm{Kind: domain.KindAuthFail, Server: server, Msg: err.Error(), At: time.Now()})
}

func (s *Service) clearServerAlarms(server string) {
	s.mu.Lock()
	s.alarms = slices.DeleteFunc(s.alarms, func(a Alarm) bool { return a.Server == server })
	s.mu.Unlock()
}

// Alarms lists raised alarms, oldest first.
func (s *Service) Alarms(ctx context.Context) ([]Alarm, error) {
	if err := authorize(ctx, CapRead); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alarms), nil
}

// ClearAlarms drops every alarm and reports how many there were.
func (s *Service) ClearAlarms(ctx context.Context) (int, error) {
	if err := authorize(ctx, CapControl); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alarms)
	s.alarms = nil
	return n, nil
}
