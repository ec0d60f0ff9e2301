// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// callLog records lifecycle calls of several services as "<name>.<op>" in
// the order they happened
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(name, op string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name+"."+op)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// mockService only has a name, like a backend without lifecycle hooks
type mockService struct {
	name string
	log  *callLog
}

func (m *mockService) Name() string {
	return m.name
}

type mockInitializer struct {
	mockService
	initFn    func() error
	initCount int
}

func (m *mockInitializer) Init() error {
	m.initCount++
	m.log.record(m.name, "init")
	if m.initFn != nil {
		return m.initFn()
	}
	return nil
}

// mockInitShutdownService stands in for a plugin: Init detects hardware,
// Shutdown releases it
type mockInitShutdownService struct {
	mockInitializer
	shutdownFn    func() error
	shutdownCount int
}

func (m *mockInitShutdownService) Shutdown() error {
	m.shutdownCount++
	m.log.record(m.name, "shutdown")
	if m.shutdownFn != nil {
		return m.shutdownFn()
	}
	return nil
}

type mockRunner struct {
	mockService
	runFn    func(ctx context.Context) error
	runCount int
}

func (m *mockRunner) Run(ctx context.Context) error {
	m.runCount++
	m.log.record(m.name, "run")
	if m.runFn != nil {
		return m.runFn(ctx)
	}
	return nil
}

// mockRunShutdownService stands in for the measured command
type mockRunShutdownService struct {
	mockRunner
	shutdownFn    func() error
	shutdownCount int
}

func (m *mockRunShutdownService) Shutdown() error {
	m.shutdownCount++
	m.log.record(m.name, "shutdown")
	if m.shutdownFn != nil {
		return m.shutdownFn()
	}
	return nil
}

func newPlugin(name string, log *callLog) *mockInitShutdownService {
	return &mockInitShutdownService{
		mockInitializer: mockInitializer{mockService: mockService{name: name, log: log}},
	}
}

func newRunner(name string, log *callLog, run func(ctx context.Context) error) *mockRunShutdownService {
	return &mockRunShutdownService{
		mockRunner: mockRunner{mockService: mockService{name: name, log: log}, runFn: run},
	}
}
