package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/agent"
	"github.com/benmeehan/iot-tunnel/internal/rpc"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/rs/zerolog"
)

// TunnelService serves the tunnel direct methods and owns the local forwarder.
type TunnelService struct {
	Dispatcher  *rpc.Dispatcher
	Agent       *agent.Agent
	Pool        *utils.WorkerPool
	StopTimeout time.Duration
	Logger      zerolog.Logger

	running bool
}

// NewTunnelService wires agent onto dispatcher.
func NewTunnelService(dispatcher *rpc.Dispatcher, a *agent.Agent, pool *utils.WorkerPool, stopTimeout time.Duration, logger zerolog.Logger) *TunnelService {
	a.Register(dispatcher)
	return &TunnelService{
		Dispatcher:  dispatcher,
		Agent:       a,
		Pool:        pool,
		StopTimeout: stopTimeout,
		Logger:      logger,
	}
}

// Start subscribes to the device's direct methods.
func (s *TunnelService) Start() error {
	if s.running {
		return errors.New("tunnel service is already running")
	}
	if err := s.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start method dispatcher: %w", err)
	}
	s.running = true
	s.Logger.Info().Msg("TunnelService started successfully")
	return nil
}

// Stop stops accepting methods, tears down any open tunnel and drains the workers.
func (s *TunnelService) Stop() error {
	if !s.running {
		return errors.New("tunnel service is not running")
	}
	s.running = false

	var errs []error
	if err := s.Dispatcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.Pool.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
	defer cancel()
	if _, err := s.Agent.Connection().Close(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to stop forwarder during shutdown")
		errs = append(errs, err)
	}

	s.Logger.Info().Msg("TunnelService stopped")
	return errors.Join(errs...)
}
