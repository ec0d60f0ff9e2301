// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/energy-measurement/ema/pkg/device"
)

// Location identifies where a region is defined in the source
type Location struct {
	File     string
	Line     int
	Function string
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d(%s)", l.File, l.Line, l.Function)
}

// Caller returns the location of the function skip frames above the caller
// of Caller; Caller(0) is the location of the call itself.
func Caller(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Location{File: "unknown"}
	}
	loc := Location{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}

func regionKey(name string, loc Location) string {
	return fmt.Sprintf("%s:%d(%s:%s)", loc.File, loc.Line, loc.Function, name)
}

// RegionState is the lifecycle of a Region
type RegionState int

const (
	RegionDefined RegionState = iota
	RegionRunning
	RegionIdle
	RegionFinalized
)

func (s RegionState) String() string {
	switch s {
	case RegionDefined:
		return "defined"
	case RegionRunning:
		return "running"
	case RegionIdle:
		return "idle"
	case RegionFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Region accumulates elapsed time and per-device energy over any number of
// measurement epochs. Begin and End drive a single epoch; Start hands out
// independent epochs for callers sharing one region concurrently. The region
// lock is only held while devices are sampled and totals updated.
type Region struct {
	id         uuid.UUID
	name       string
	loc        Location
	key        string
	registry   *Registry
	generation uint64
	filter     *Filter
	clock      *Clock
	tracker    *overflowTracker
	devices    []*device.Device
	maxima     []device.Energy

	mu            sync.Mutex
	state         RegionState
	current       *Epoch
	last          *Epoch
	open          int
	visits        uint64
	elapsed       uint64
	energy        []device.Energy
	deviceElapsed []uint64
}

// Epoch is one begin/end cycle of a region. Once stopped it holds what it
// added to the region totals.
type Epoch struct {
	region   *Region
	start    uint64
	stamps   []uint64
	snapshot []device.Energy
	closed   bool

	elapsed       uint64
	energy        []device.Energy
	deviceElapsed []uint64
}

// DefineRegion registers a region measuring the devices of f. Defining the
// same name at the same location with the same filter again returns the
// existing region as long as it is not finalized.
func (r *Registry) DefineRegion(name string, loc Location, f *Filter) (*Region, error) {
	region, _, err := r.defineRegion(name, loc, f)
	return region, err
}

// Define is DefineRegion at the caller's location
func (r *Registry) Define(name string, f *Filter) (*Region, error) {
	region, _, err := r.defineRegion(name, Caller(1), f)
	return region, err
}

// CreateRegion defines a region and begins its first epoch
func (r *Registry) CreateRegion(name string, loc Location, f *Filter) (*Region, error) {
	region, created, err := r.defineRegion(name, loc, f)
	if err != nil {
		return nil, err
	}

	if err := region.Begin(); err != nil {
		if created {
			if ferr := region.Finalize(); ferr != nil {
				r.logger.Warn("Failed to finalize region", "region", name, "error", ferr)
			}
		}
		return nil, err
	}
	return region, nil
}

// Create is CreateRegion at the caller's location
func (r *Registry) Create(name string, f *Filter) (*Region, error) {
	return r.CreateRegion(name, Caller(1), f)
}

func (r *Registry) defineRegion(name string, loc Location, f *Filter) (*Region, bool, error) {
	if f == nil {
		return nil, false, newError(CodeInvalidFilter, "region %q: nil filter", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ready(); err != nil {
		return nil, false, err
	}
	if f.registry != r || f.released {
		return nil, false, newError(CodeInvalidFilter, "region %q: filter %s is released", name, f.id)
	}

	key := regionKey(name, loc)
	if existing, ok := r.live[key]; ok && existing.filter == f {
		return existing, false, nil
	}

	region := &Region{
		id:            uuid.New(),
		name:          name,
		loc:           loc,
		key:           key,
		registry:      r,
		generation:    r.generation,
		filter:        f,
		clock:         r.clock,
		tracker:       r.tracker,
		devices:       f.devices,
		maxima:        make([]device.Energy, len(f.devices)),
		state:         RegionDefined,
		energy:        make([]device.Energy, len(f.devices)),
		deviceElapsed: make([]uint64, len(f.devices)),
	}
	for i, d := range f.devices {
		region.maxima[i] = counterMax(r.tracker, d)
	}

	r.regions = append(r.regions, region)
	r.live[key] = region
	r.openRegions++
	f.refs++

	r.logger.Debug("Region defined", "region", name, "location", loc.String(), "devices", len(region.devices))
	return region, true, nil
}

// releaseRegion drops the references held by a finalized region
func (r *Registry) releaseRegion(region *Region) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RegistryReady || region.generation != r.generation {
		return
	}
	region.filter.refs--
	r.openRegions--
	if r.live[region.key] == region {
		delete(r.live, region.key)
	}
}

func (r *Region) ID() string {
	return r.id.String()
}

func (r *Region) Name() string {
	return r.name
}

func (r *Region) Location() Location {
	return r.loc
}

func (r *Region) Filter() *Filter {
	return r.filter
}

func (r *Region) State() RegionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Begin starts the region's own epoch
func (r *Region) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegionFinalized {
		return newError(CodeInvalidState, "region %q is finalized", r.name)
	}
	if r.current != nil {
		return newError(CodeAlreadyRunning, "region %q is already running", r.name)
	}

	e, err := r.snapshot()
	if err != nil {
		return err
	}
	r.current = e
	r.open++
	r.state = RegionRunning
	return nil
}

// End closes the epoch opened by Begin and adds it to the totals. When a
// device cannot be read the epoch is discarded.
func (r *Region) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegionFinalized {
		return newError(CodeInvalidState, "region %q is finalized", r.name)
	}
	if r.current == nil {
		return newError(CodeNotRunning, "region %q was not begun", r.name)
	}

	e := r.current
	r.current = nil
	r.last = e
	return r.closeEpoch(e)
}

// Last returns the epoch most recently closed by End, nil before the first
// End
func (r *Region) Last() *Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start opens an epoch independent of Begin/End and of other epochs of the
// region.
func (r *Region) Start() (*Epoch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegionFinalized {
		return nil, newError(CodeInvalidState, "region %q is finalized", r.name)
	}

	e, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	r.open++
	r.state = RegionRunning
	return e, nil
}

// Stop closes the epoch and adds it to the region totals
func (e *Epoch) Stop() error {
	r := e.region
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegionFinalized {
		return newError(CodeInvalidState, "region %q is finalized", r.name)
	}
	if e.closed {
		return newError(CodeNotRunning, "epoch of region %q is already stopped", r.name)
	}
	return r.closeEpoch(e)
}

// Region returns the region the epoch belongs to
func (e *Epoch) Region() *Region {
	return e.region
}

// Elapsed is the time the epoch added to the region, zero until it is
// stopped or when its closing read failed
func (e *Epoch) Elapsed() time.Duration {
	e.region.mu.Lock()
	defer e.region.mu.Unlock()
	return time.Duration(e.elapsed) * time.Microsecond
}

// Energy is the energy device i of the region consumed during the epoch
func (e *Epoch) Energy(i int) device.Energy {
	e.region.mu.Lock()
	defer e.region.mu.Unlock()
	if i < 0 || i >= len(e.energy) {
		return 0
	}
	return e.energy[i]
}

// DeviceElapsed is the time device i was measured during the epoch
func (e *Epoch) DeviceElapsed(i int) time.Duration {
	e.region.mu.Lock()
	defer e.region.mu.Unlock()
	if i < 0 || i >= len(e.deviceElapsed) {
		return 0
	}
	return time.Duration(e.deviceElapsed[i]) * time.Microsecond
}

// snapshot reads every device; r.mu must be held
func (r *Region) snapshot() (*Epoch, error) {
	e := &Epoch{
		region:   r,
		start:    r.clock.NowMicroseconds(),
		stamps:   make([]uint64, len(r.devices)),
		snapshot: make([]device.Energy, len(r.devices)),
	}
	for i, d := range r.devices {
		v, err := readCounter(r.tracker, d)
		if err != nil {
			return nil, wrapError(CodeCounterRead, err, "region %q: device %s", r.name, d)
		}
		e.snapshot[i] = v
		e.stamps[i] = r.clock.NowMicroseconds()
	}
	return e, nil
}

// closeEpoch reads every device again and accumulates; r.mu must be held
func (r *Region) closeEpoch(e *Epoch) error {
	e.closed = true
	r.open--
	defer func() {
		if r.open > 0 {
			r.state = RegionRunning
		} else {
			r.state = RegionIdle
		}
	}()

	end := r.clock.NowMicroseconds()
	readings := make([]device.Energy, len(r.devices))
	stamps := make([]uint64, len(r.devices))
	for i, d := range r.devices {
		v, err := readCounter(r.tracker, d)
		if err != nil {
			return wrapError(CodeCounterRead, err, "region %q: device %s", r.name, d)
		}
		readings[i] = v
		stamps[i] = r.clock.NowMicroseconds()
	}

	e.energy = make([]device.Energy, len(r.devices))
	e.deviceElapsed = make([]uint64, len(r.devices))
	for i := range r.devices {
		e.energy[i] = device.WrapDelta(readings[i], e.snapshot[i], r.maxima[i])
		e.deviceElapsed[i] = stamps[i] - e.stamps[i]
		r.energy[i] += e.energy[i]
		r.deviceElapsed[i] += e.deviceElapsed[i]
	}
	e.elapsed = end - e.start
	r.elapsed += e.elapsed
	r.visits++
	return nil
}

// Finalize ends the region's lifecycle. All epochs must be closed first.
// The totals stay available through Stats and the registry report.
func (r *Region) Finalize() error {
	r.mu.Lock()
	if r.state == RegionFinalized {
		r.mu.Unlock()
		return newError(CodeInvalidState, "region %q is already finalized", r.name)
	}
	if r.open > 0 {
		open := r.open
		r.mu.Unlock()
		return newError(CodeAlreadyRunning, "region %q has %d open epochs", r.name, open)
	}
	r.state = RegionFinalized
	r.mu.Unlock()

	r.registry.releaseRegion(r)
	return nil
}

// invalidate finalizes the region when its registry is torn down
func (r *Region) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RegionFinalized
	r.current = nil
	r.open = 0
}

// DeviceStats is the accumulated energy of one device of a region
type DeviceStats struct {
	Plugin  string
	Name    string
	UID     string
	Kind    device.Kind
	Energy  device.Energy
	Elapsed time.Duration
}

// RegionStats is a consistent snapshot of a region's totals
type RegionStats struct {
	ID       string
	Name     string
	Location Location
	State    RegionState
	Visits   uint64
	Elapsed  time.Duration
	Devices  []DeviceStats
}

// AverageElapsed is the mean epoch duration, zero without visits
func (s RegionStats) AverageElapsed() time.Duration {
	if s.Visits == 0 {
		return 0
	}
	return s.Elapsed / time.Duration(s.Visits)
}

// AverageEnergy is the mean energy per epoch of device i, zero without visits
func (s RegionStats) AverageEnergy(i int) device.Energy {
	if s.Visits == 0 {
		return 0
	}
	return s.Devices[i].Energy / device.Energy(s.Visits)
}

// AverageDeviceElapsed is the mean time device i was measured per epoch
func (s RegionStats) AverageDeviceElapsed(i int) time.Duration {
	if s.Visits == 0 {
		return 0
	}
	return s.Devices[i].Elapsed / time.Duration(s.Visits)
}

// TotalEnergy sums the energy of all devices
func (s RegionStats) TotalEnergy() device.Energy {
	var total device.Energy
	for _, d := range s.Devices {
		total += d.Energy
	}
	return total
}

// Stats returns the current totals of the region
func (r *Region) Stats() RegionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegionStats{
		ID:       r.id.String(),
		Name:     r.name,
		Location: r.loc,
		State:    r.state,
		Visits:   r.visits,
		Elapsed:  time.Duration(r.elapsed) * time.Microsecond,
		Devices:  make([]DeviceStats, len(r.devices)),
	}
	for i, d := range r.devices {
		stats.Devices[i] = DeviceStats{
			Plugin:  d.Plugin(),
			Name:    d.Name(),
			UID:     d.UID(),
			Kind:    d.Kind(),
			Energy:  r.energy[i],
			Elapsed: time.Duration(r.deviceElapsed[i]) * time.Microsecond,
		}
	}
	return stats
}
