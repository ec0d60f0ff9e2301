// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/energy-measurement/ema/pkg/device"
)

// Format selects the layout of a region report
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
)

// ParseFormat converts a name into a Format
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// ReporterOption configures a Reporter
type ReporterOption func(*Reporter)

// WithFormat sets the report layout
func WithFormat(f Format) ReporterOption {
	return func(r *Reporter) {
		r.format = f
	}
}

// Reporter renders region statistics
type Reporter struct {
	format Format
}

// NewReporter returns a Reporter writing tables unless configured otherwise
func NewReporter(opts ...ReporterOption) *Reporter {
	r := &Reporter{format: FormatTable}
	for _, apply := range opts {
		apply(r)
	}
	return r
}

// PrintAll writes one entry per region followed by one per device to w
func (r *Reporter) PrintAll(w io.Writer, stats []RegionStats) error {
	switch r.format {
	case FormatCSV:
		return writeCSV(w, stats)
	case FormatTable, "":
		return writeTable(w, stats)
	default:
		return fmt.Errorf("unknown report format %q", r.format)
	}
}

// record is one line of the CSV report; energy is in microjoules and time in
// microseconds. Every region has a line with empty device columns carrying
// its total elapsed time and the energy summed over its devices, followed by
// one line per device.
type record struct {
	Thread     string `csv:"thread"`
	Region     string `csv:"region_idf"`
	File       string `csv:"file"`
	Line       int    `csv:"line"`
	Function   string `csv:"function"`
	Visits     uint64 `csv:"visits"`
	DeviceName string `csv:"device_name"`
	DeviceType string `csv:"device_type"`
	Energy     uint64 `csv:"energy"`
	Time       int64  `csv:"time"`
}

func writeCSV(w io.Writer, stats []RegionStats) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(record{}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, s := range stats {
		region := record{
			Thread:   s.ID,
			Region:   s.Name,
			File:     s.Location.File,
			Line:     s.Location.Line,
			Function: s.Location.Function,
			Visits:   s.Visits,
			Energy:   s.TotalEnergy().MicroJoules(),
			Time:     s.Elapsed.Microseconds(),
		}
		if err := enc.Encode(region); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}

		for _, d := range s.Devices {
			rec := region
			rec.DeviceName = d.Plugin + "/" + d.Name
			rec.DeviceType = string(d.Kind)
			rec.Energy = d.Energy.MicroJoules()
			rec.Time = d.Elapsed.Microseconds()
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("failed to write csv record: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// totalDevice labels the per-region line of the table
const totalDevice = "total"

func writeTable(w io.Writer, stats []RegionStats) error {
	rows := [][]string{}
	for _, s := range stats {
		location := s.Location.File + ":" + strconv.Itoa(s.Location.Line)
		visits := strconv.FormatUint(s.Visits, 10)

		// averages are left empty until the region has completed an epoch
		avgEnergy, avgTime := "", ""
		if s.Visits > 0 {
			avgEnergy = (s.TotalEnergy() / device.Energy(s.Visits)).String()
			avgTime = s.AverageElapsed().String()
		}
		rows = append(rows, []string{
			s.Name, location, s.Location.Function, totalDevice, visits,
			s.TotalEnergy().String(), avgEnergy, s.Elapsed.String(), avgTime,
		})

		for i, d := range s.Devices {
			avgEnergy, avgTime := "", ""
			if s.Visits > 0 {
				avgEnergy = s.AverageEnergy(i).String()
				avgTime = s.AverageDeviceElapsed(i).String()
			}
			rows = append(rows, []string{
				s.Name, location, s.Location.Function, d.Plugin + "/" + d.Name, visits,
				d.Energy.String(), avgEnergy, d.Elapsed.String(), avgTime,
			})
		}
	}

	table := tablewriter.NewWriter(w)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Region", "Location", "Function", "Device", "Visits", "Energy", "Avg Energy", "Time", "Avg Time"})
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
