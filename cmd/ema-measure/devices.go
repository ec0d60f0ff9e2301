// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/energy-measurement/ema/config"
)

// listDevices initializes every enabled plugin and prints its devices with
// a current reading
func listDevices(cfg *config.Config, logger *slog.Logger, w io.Writer) (errRet error) {
	registry := newRegistry(cfg, logger)
	if err := registry.Init(nil); err != nil {
		return err
	}
	defer func() {
		if err := registry.Finalize(); err != nil && errRet == nil {
			errRet = err
		}
	}()

	devices, err := registry.Devices()
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		info := d.Info()
		reading := "n/a"
		if e, err := registry.ReadEnergy(d); err == nil {
			reading = e.String()
		} else {
			logger.Warn("Failed to read device", "device", d.String(), "error", err)
		}

		interval := "-"
		if info.UpdateInterval > 0 {
			interval = info.UpdateInterval.String()
		}
		rows = append(rows, []string{
			d.Plugin(),
			info.Name,
			string(info.Kind),
			info.UID,
			strconv.FormatUint(uint64(info.Bits()), 10),
			info.Max().String(),
			interval,
			reading,
		})
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Plugin", "Device", "Kind", "UID", "Bits", "Max", "Interval", "Energy"})
	if err := table.Bulk(rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	for _, name := range registry.Unavailable() {
		if _, err := fmt.Fprintf(w, "unavailable: %s\n", name); err != nil {
			return err
		}
	}
	return nil
}
