//go:build windows

package installer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// restartService stops and starts a Windows service through the SCM.
func restartService(ctx context.Context, name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	status, err := s.Control(svc.Stop)
	if err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	if err := waitState(ctx, s, status.State, svc.Stopped); err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	status, err = s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	return waitState(ctx, s, status.State, svc.Running)
}

func waitState(ctx context.Context, s *mgr.Service, current, want svc.State) error {
	deadline := time.Now().Add(30 * time.Second)
	for current != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service state %d", want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		status, err := s.Query()
		if err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}
		current = status.State
	}
	return nil
}
