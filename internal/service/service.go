// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is anything with a stable name used in logs and errors
type Service interface {
	Name() string
}

// Initializer brings a service up; Init is called at most once per lifecycle
type Initializer interface {
	Service
	Init() error
}

// Runner blocks until ctx is done or the service completes on its own
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner releases everything acquired by Init
type Shutdowner interface {
	Service
	Shutdown() error
}
