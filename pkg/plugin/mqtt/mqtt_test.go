// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energy-measurement/ema/internal/logger"
	"github.com/energy-measurement/ema/pkg/device"
)

// fakeBroker delivers retained messages on subscribe and publishes
// synchronously to subscribed handlers
type fakeBroker struct {
	mu           sync.Mutex
	retained     map[string][]byte
	handlers     map[string]handlerFn
	connectErr   error
	subscribeErr map[string]error
	disconnects  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained:     map[string][]byte{},
		handlers:     map[string]handlerFn{},
		subscribeErr: map[string]error{},
	}
}

func (b *fakeBroker) Connect() error {
	return b.connectErr
}

func (b *fakeBroker) Subscribe(topic string, handler handlerFn) error {
	b.mu.Lock()
	if err := b.subscribeErr[topic]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.handlers[topic] = handler
	retained, ok := b.retained[topic]
	b.mu.Unlock()

	if ok {
		// device handlers block on the meter lock held by Init
		go handler(topic, retained)
	}
	return nil
}

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	b.handlers = map[string]handlerFn{}
}

func (b *fakeBroker) publish(topic string, payload []byte) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

func newMeter(t *testing.T, b *fakeBroker, opts ...OptionFn) *PowerMeter {
	t.Helper()
	opts = append([]OptionFn{
		WithLogger(logger.Discard()),
		WithTimeout(200 * time.Millisecond),
		withClient(b),
	}, opts...)
	pm, err := NewPowerMeter("tcp://broker:1883", opts...)
	require.NoError(t, err)
	return pm
}

var twoDevices = []Announcement{
	{Name: "node-a/package", Topic: "ema/node-a/package", Type: typeCPU},
	{Name: "node-a/gpu0", Topic: "ema/node-a/gpu0", Type: typeGPU},
}

func TestProtocol(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		b := EncodeHeader(twoDevices)
		assert.Equal(t, byte(1), b[0])
		assert.Equal(t, []byte{2, 0}, b[1:3])

		got, err := ParseHeader(b)
		require.NoError(t, err)
		assert.Equal(t, twoDevices, got)
	})

	t.Run("empty header", func(t *testing.T) {
		got, err := ParseHeader([]byte{1, 0, 0})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("header errors", func(t *testing.T) {
		valid := EncodeHeader(twoDevices)
		tt := []struct {
			name string
			msg  []byte
		}{
			{"too short", []byte{1, 0}},
			{"wrong version", append([]byte{2}, valid[1:]...)},
			{"truncated type", valid[:len(valid)-1]},
			{"truncated name", valid[:5]},
			{"oversized length", []byte{1, 1, 0, 0xff, 0xff, 0, 0, 0, 0, 0, 0, 'a'}},
		}
		for _, tc := range tt {
			t.Run(tc.name, func(t *testing.T) {
				_, err := ParseHeader(tc.msg)
				assert.Error(t, err)
			})
		}
	})

	t.Run("sample layout", func(t *testing.T) {
		b := EncodeSample(Sample{Energy: 0x0102, Time: 7})
		assert.Equal(t, []byte{2, 1, 0, 0, 0, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0}, b)

		s, err := ParseSample(b)
		require.NoError(t, err)
		assert.Equal(t, device.Energy(0x0102), s.Energy)
		assert.Equal(t, uint64(7), s.Time)

		_, err = ParseSample(b[:15])
		assert.Error(t, err)
	})

	t.Run("kinds", func(t *testing.T) {
		assert.Equal(t, device.KindCPU, Announcement{Type: typeCPU}.Kind())
		assert.Equal(t, device.KindDRAM, Announcement{Type: typeDRAM}.Kind())
		assert.Equal(t, device.KindNode, Announcement{Type: typeNode}.Kind())
		assert.Equal(t, device.KindUnknown, Announcement{Type: 42}.Kind())
	})
}

func TestNewPowerMeter(t *testing.T) {
	_, err := NewPowerMeter("")
	assert.Error(t, err)

	_, err = NewPowerMeter("tcp://b:1883", WithTopic(""))
	assert.Error(t, err)

	_, err = NewPowerMeter("tcp://b:1883", WithTimeout(0))
	assert.Error(t, err)

	pm, err := NewPowerMeter("tcp://b:1883", WithClientID("ema-test"), WithCredentials("u", "p"))
	require.NoError(t, err)
	assert.Equal(t, Name, pm.Name())
	assert.IsType(t, &pahoClient{}, pm.client)
}

func TestPowerMeterLifecycle(t *testing.T) {
	b := newFakeBroker()
	b.retained[DefaultTopic] = EncodeHeader(twoDevices)
	b.retained["ema/node-a/package"] = EncodeSample(Sample{Energy: 1000, Time: 1})
	pm := newMeter(t, b)

	_, err := pm.Devices()
	assert.Error(t, err, "devices before Init")

	require.NoError(t, pm.Init())
	require.NoError(t, pm.Init(), "second Init is a no-op")

	infos, err := pm.Devices()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "node-a/package", infos[0].Name)
	assert.Equal(t, "ema/node-a/package", infos[0].UID)
	assert.Equal(t, device.KindCPU, infos[0].Kind)
	assert.Equal(t, device.KindGPU, infos[1].Kind)
	assert.Equal(t, uint(64), infos[1].Bits())
	assert.Zero(t, infos[1].UpdateInterval)

	e, err := pm.Energy(0)
	require.NoError(t, err)
	assert.Equal(t, device.Energy(1000), e, "retained sample")

	b.publish("ema/node-a/package", EncodeSample(Sample{Energy: 2500, Time: 2}))
	e, err = pm.Energy(0)
	require.NoError(t, err)
	assert.Equal(t, device.Energy(2500), e)

	_, err = pm.Energy(1)
	assert.Error(t, err, "no message published for gpu0")

	b.publish("ema/node-a/gpu0", []byte{1, 2, 3})
	_, err = pm.Energy(1)
	assert.Error(t, err, "malformed message is dropped")

	b.publish("ema/node-a/gpu0", EncodeSample(Sample{Energy: 42}))
	e, err = pm.Energy(1)
	require.NoError(t, err)
	assert.Equal(t, device.Energy(42), e)

	_, err = pm.Energy(2)
	assert.Error(t, err)

	require.NoError(t, pm.Shutdown())
	assert.Equal(t, 1, b.disconnects)
	require.NoError(t, pm.Shutdown())
	assert.Equal(t, 1, b.disconnects, "second shutdown is a no-op")

	_, err = pm.Devices()
	assert.Error(t, err)
}

func TestPowerMeterDuplicateTopics(t *testing.T) {
	b := newFakeBroker()
	b.retained[DefaultTopic] = EncodeHeader([]Announcement{
		{Name: "a", Topic: "t"},
		{Name: "b", Topic: "t"},
	})
	pm := newMeter(t, b)
	require.NoError(t, pm.Init())
	t.Cleanup(func() { _ = pm.Shutdown() })

	infos, err := pm.Devices()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].Name)
}

func TestPowerMeterInitFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		b := newFakeBroker()
		b.connectErr = errors.New("connection refused")
		pm := newMeter(t, b)
		assert.ErrorContains(t, pm.Init(), "connection refused")
		assert.Zero(t, b.disconnects)
	})

	t.Run("no header", func(t *testing.T) {
		b := newFakeBroker()
		pm := newMeter(t, b)
		assert.ErrorContains(t, pm.Init(), "no device header")
		assert.Equal(t, 1, b.disconnects)
	})

	t.Run("bad header", func(t *testing.T) {
		b := newFakeBroker()
		b.retained[DefaultTopic] = []byte{9, 0, 0}
		pm := newMeter(t, b)
		assert.ErrorContains(t, pm.Init(), "unsupported header version")
		assert.Equal(t, 1, b.disconnects)
	})

	t.Run("device subscribe", func(t *testing.T) {
		b := newFakeBroker()
		b.retained["ema/custom"] = EncodeHeader(twoDevices)
		b.subscribeErr["ema/node-a/gpu0"] = errors.New("not authorized")
		pm := newMeter(t, b, WithTopic("ema/custom"))
		assert.ErrorContains(t, pm.Init(), "not authorized")
		assert.Equal(t, 1, b.disconnects)

		_, err := pm.Devices()
		assert.Error(t, err)
	})
}
