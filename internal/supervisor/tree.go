// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package supervisor builds the suture supervision tree that runs the
// long-lived services: reader connection workers, the batching pipeline,
// and the health monitor. Layers isolate failures; a crashing reader
// worker never restarts the pipeline.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/ferrum-labs/tagstream/internal/reader"
)

// TreeConfig holds supervision parameters, matching suture's defaults
// when zero.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the three-layer supervision tree: readers, pipeline, outbound.
type Tree struct {
	root     *suture.Supervisor
	readers  *suture.Supervisor
	pipeline *suture.Supervisor
	outbound *suture.Supervisor
}

// NewTree builds the tree. logger feeds suture's event hook.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:     suture.New("tagstream", rootSpec),
		readers:  suture.New("readers", childSpec),
		pipeline: suture.New("pipeline", childSpec),
		outbound: suture.New("outbound", childSpec),
	}
	t.root.Add(t.readers)
	t.root.Add(t.pipeline)
	t.root.Add(t.outbound)
	return t
}

// AddReader supervises one connection worker. The wrapper stops
// supervision when the worker exhausts its reconnect budget, so a dead
// reader does not restart-loop forever; operators reconnect it
// explicitly after fixing the cause.
func (t *Tree) AddReader(c *reader.Conn) suture.ServiceToken {
	return t.readers.Add(&readerService{conn: c})
}

// AddPipelineService supervises a pipeline-layer service (batcher,
// processor, health monitor).
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddOutboundService supervises an outbound-layer service.
func (t *Tree) AddOutboundService(svc suture.Service) suture.ServiceToken {
	return t.outbound.Add(svc)
}

// ServeBackground starts the tree and returns its error channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// readerService adapts a connection worker to supervision semantics.
type readerService struct {
	conn *reader.Conn
}

func (s *readerService) Serve(ctx context.Context) error {
	err := s.conn.Serve(ctx)
	if errors.Is(err, reader.ErrRetriesExhausted) {
		// The worker already raised its offline alert. Terminal.
		return suture.ErrDoNotRestart
	}
	return err
}

func (s *readerService) String() string { return "reader-" + s.conn.Endpoint().ID }
