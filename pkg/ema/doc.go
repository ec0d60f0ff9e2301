// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

// Package ema measures the energy consumed by regions of code.
//
// A Registry discovers plugins (energy backends) and their devices. Filters
// select a frozen subset of the registry's plugins and Regions measure the
// devices of a Filter between Begin and End:
//
//	reg := ema.New(ema.Static(meter), ema.WithLogger(logger))
//	if err := reg.Init(nil); err != nil {
//		return err
//	}
//	filter, _ := reg.NewFilter("")
//	region, _ := reg.Define("solve", filter)
//
//	_ = region.Begin()
//	solve()
//	_ = region.End()
//
//	_ = region.Finalize()
//	_ = filter.Finalize()
//	_ = reg.PrintAll(os.Stdout, ema.FormatTable)
//	_ = reg.Finalize()
package ema
