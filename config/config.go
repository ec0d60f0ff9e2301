// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS string `yaml:"sysfs"`
		DevFS string `yaml:"devfs"`
	}

	// Rapl configuration
	Rapl struct {
		Enabled *bool    `yaml:"enabled"`
		Zones   []string `yaml:"zones"`
	}

	// MSR reads the RAPL registers directly; needs root and the msr module
	MSR struct {
		Enabled    *bool  `yaml:"enabled"`
		DevicePath string `yaml:"devicePath"` // printf pattern with one %d for the CPU
	}

	Hwmon struct {
		Enabled        *bool    `yaml:"enabled"`
		Zones          []string `yaml:"zones"`
		IntegratePower *bool    `yaml:"integratePower"`
	}

	NVML struct {
		Enabled *bool `yaml:"enabled"`
	}

	// Redfish is enabled by setting an endpoint
	Redfish struct {
		Endpoint       string        `yaml:"endpoint"`
		Username       string        `yaml:"username"`
		Password       string        `yaml:"password"`
		Insecure       *bool         `yaml:"insecure"`
		HTTPTimeout    time.Duration `yaml:"httpTimeout"`
		SampleInterval time.Duration `yaml:"sampleInterval"`
	}

	// MQTT is enabled by setting a broker
	MQTT struct {
		Broker   string        `yaml:"broker"`
		Topic    string        `yaml:"topic"`
		ClientID string        `yaml:"clientID"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	// Overflow tracking polls narrow counters in the background
	Overflow struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"` // 0 derives it from the devices
	}

	Report struct {
		Format string `yaml:"format"`
		// Output is the report file; empty means output.EMA.<pid> and "-" stdout
		Output string `yaml:"output"`
		// Metrics, when set, is a Prometheus textfile receiving region totals
		Metrics string `yaml:"metrics"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		Fake struct {
			Enabled *bool    `yaml:"enabled"`
			Zones   []string `yaml:"zones"`
		} `yaml:"fake"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Rapl     Rapl     `yaml:"rapl"`
		MSR      MSR      `yaml:"msr"`
		Hwmon    Hwmon    `yaml:"hwmon"`
		NVML     NVML     `yaml:"nvml"`
		Redfish  Redfish  `yaml:"redfish"`
		MQTT     MQTT     `yaml:"mqtt"`
		Overflow Overflow `yaml:"overflow"`
		Report   Report   `yaml:"report"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag = "host.sysfs"
	HostDevFSFlag = "host.devfs"

	RaplEnabledFlag = "rapl"
	RaplZones       = "rapl.zones" // not a flag

	MSREnabledFlag    = "msr"
	MSRDevicePathFlag = "msr.device-path"

	HwmonEnabledFlag        = "hwmon"
	HwmonIntegratePowerFlag = "hwmon.integrate-power"

	NVMLEnabledFlag = "nvml"

	RedfishEndpointFlag    = "redfish.endpoint"
	RedfishUsernameFlag    = "redfish.username"
	RedfishPasswordFlag    = "redfish.password" // not a flag
	RedfishInsecureFlag    = "redfish.insecure"
	RedfishHTTPTimeoutFlag = "redfish.http-timeout"

	MQTTBrokerFlag  = "mqtt.broker"
	MQTTTopicFlag   = "mqtt.topic"
	MQTTTimeoutFlag = "mqtt.timeout"

	OverflowEnabledFlag  = "overflow"
	OverflowIntervalFlag = "overflow.interval"

	ReportFormatFlag  = "report.format"
	ReportOutputFlag  = "report.output"
	ReportMetricsFlag = "report.metrics"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS: "/sys",
			DevFS: "/dev",
		},
		Rapl: Rapl{
			Enabled: ptr.To(true),
			Zones:   []string{},
		},
		MSR: MSR{
			Enabled: ptr.To(false),
		},
		Hwmon: Hwmon{
			Enabled:        ptr.To(true),
			Zones:          []string{},
			IntegratePower: ptr.To(false),
		},
		NVML: NVML{
			Enabled: ptr.To(true),
		},
		Redfish: Redfish{
			Insecure:       ptr.To(false),
			HTTPTimeout:    5 * time.Second,
			SampleInterval: 5 * time.Second,
		},
		MQTT: MQTT{
			Topic:   "ema/devices",
			Timeout: 5 * time.Second,
		},
		Overflow: Overflow{
			Enabled: ptr.To(true),
		},
		Report: Report{
			Format: "csv",
		},
	}

	cfg.Dev.Fake.Enabled = ptr.To(false)
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (cfg *Config, errRet error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil && errRet == nil {
			errRet = err
		}
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostDevFS := app.Flag(HostDevFSFlag, "Host devfs path").Default("/dev").ExistingDir()

	// plugins
	raplEnabled := app.Flag(RaplEnabledFlag, "Enable the RAPL powercap plugin").Default("true").Bool()
	msrEnabled := app.Flag(MSREnabledFlag, "Enable the MSR plugin").Default("false").Bool()
	msrDevicePath := app.Flag(MSRDevicePathFlag, "MSR device path pattern with one %d for the CPU number").Default("").String()
	hwmonEnabled := app.Flag(HwmonEnabledFlag, "Enable the hwmon plugin").Default("true").Bool()
	hwmonIntegratePower := app.Flag(HwmonIntegratePowerFlag, "Integrate hwmon power sensors into energy").Default("false").Bool()
	nvmlEnabled := app.Flag(NVMLEnabledFlag, "Enable the NVIDIA NVML plugin").Default("true").Bool()

	redfishEndpoint := app.Flag(RedfishEndpointFlag, "Redfish BMC endpoint; empty disables the plugin").Default("").String()
	redfishUsername := app.Flag(RedfishUsernameFlag, "Redfish BMC username").Default("").String()
	redfishInsecure := app.Flag(RedfishInsecureFlag, "Skip BMC certificate verification").Default("false").Bool()
	redfishHTTPTimeout := app.Flag(RedfishHTTPTimeoutFlag, "Timeout of a single BMC request").Default("5s").Duration()

	mqttBroker := app.Flag(MQTTBrokerFlag, "MQTT broker URL; empty disables the plugin").Default("").String()
	mqttTopic := app.Flag(MQTTTopicFlag, "MQTT topic announcing devices").Default("ema/devices").String()
	mqttTimeout := app.Flag(MQTTTimeoutFlag, "MQTT connect and message timeout").Default("5s").Duration()

	// measurement
	overflowEnabled := app.Flag(OverflowEnabledFlag, "Poll narrow counters to extend them to 64 bits").Default("true").Bool()
	overflowInterval := app.Flag(OverflowIntervalFlag, "Overflow polling interval; 0 derives it from the devices").Default("0s").Duration()

	reportFormat := app.Flag(ReportFormatFlag, "Report format: csv or table").Default("csv").Enum("csv", "table")
	reportOutput := app.Flag(ReportOutputFlag, "Report file; '-' for stdout, empty for output.EMA.<pid>").Default("").String()
	reportMetrics := app.Flag(ReportMetricsFlag, "Prometheus textfile receiving region totals").Default("").String()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[HostDevFSFlag] {
			cfg.Host.DevFS = *hostDevFS
		}

		if flagsSet[RaplEnabledFlag] {
			cfg.Rapl.Enabled = raplEnabled
		}

		if flagsSet[MSREnabledFlag] {
			cfg.MSR.Enabled = msrEnabled
		}
		if flagsSet[MSRDevicePathFlag] {
			cfg.MSR.DevicePath = *msrDevicePath
		}

		if flagsSet[HwmonEnabledFlag] {
			cfg.Hwmon.Enabled = hwmonEnabled
		}
		if flagsSet[HwmonIntegratePowerFlag] {
			cfg.Hwmon.IntegratePower = hwmonIntegratePower
		}

		if flagsSet[NVMLEnabledFlag] {
			cfg.NVML.Enabled = nvmlEnabled
		}

		if flagsSet[RedfishEndpointFlag] {
			cfg.Redfish.Endpoint = *redfishEndpoint
		}
		if flagsSet[RedfishUsernameFlag] {
			cfg.Redfish.Username = *redfishUsername
		}
		if flagsSet[RedfishInsecureFlag] {
			cfg.Redfish.Insecure = redfishInsecure
		}
		if flagsSet[RedfishHTTPTimeoutFlag] {
			cfg.Redfish.HTTPTimeout = *redfishHTTPTimeout
		}

		if flagsSet[MQTTBrokerFlag] {
			cfg.MQTT.Broker = *mqttBroker
		}
		if flagsSet[MQTTTopicFlag] {
			cfg.MQTT.Topic = *mqttTopic
		}
		if flagsSet[MQTTTimeoutFlag] {
			cfg.MQTT.Timeout = *mqttTimeout
		}

		if flagsSet[OverflowEnabledFlag] {
			cfg.Overflow.Enabled = overflowEnabled
		}
		if flagsSet[OverflowIntervalFlag] {
			cfg.Overflow.Interval = *overflowInterval
		}

		if flagsSet[ReportFormatFlag] {
			cfg.Report.Format = *reportFormat
		}
		if flagsSet[ReportOutputFlag] {
			cfg.Report.Output = *reportOutput
		}
		if flagsSet[ReportMetricsFlag] {
			cfg.Report.Metrics = *reportMetrics
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.DevFS = strings.TrimSpace(c.Host.DevFS)

	for i := range c.Rapl.Zones {
		c.Rapl.Zones[i] = strings.TrimSpace(c.Rapl.Zones[i])
	}
	for i := range c.Hwmon.Zones {
		c.Hwmon.Zones[i] = strings.TrimSpace(c.Hwmon.Zones[i])
	}
	c.MSR.DevicePath = strings.TrimSpace(c.MSR.DevicePath)

	c.Redfish.Endpoint = strings.TrimSpace(c.Redfish.Endpoint)
	c.Redfish.Username = strings.TrimSpace(c.Redfish.Username)
	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
	c.MQTT.Topic = strings.TrimSpace(c.MQTT.Topic)
	c.MQTT.ClientID = strings.TrimSpace(c.MQTT.ClientID)

	c.Report.Format = strings.ToLower(strings.TrimSpace(c.Report.Format))
	c.Report.Output = strings.TrimSpace(c.Report.Output)
}

// RedfishEnabled reports whether a BMC endpoint is configured
func (c *Config) RedfishEnabled() bool {
	return c.Redfish.Endpoint != ""
}

// MQTTEnabled reports whether a broker is configured
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level

		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		// Validate logging settings
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
			if ptr.Deref(c.MSR.Enabled, false) {
				if err := canReadDir(c.Host.DevFS); err != nil {
					errs = append(errs, fmt.Sprintf("invalid devfs path: %s: %s ", c.Host.DevFS, err.Error()))
				}
			}
		}
	}
	{ // MSR
		if p := c.MSR.DevicePath; p != "" && strings.Count(p, "%d") != 1 {
			errs = append(errs, fmt.Sprintf("invalid msr device path %q: needs exactly one %%d", p))
		}
	}
	{ // Redfish
		if c.RedfishEnabled() {
			if u, err := url.Parse(c.Redfish.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Sprintf("invalid redfish endpoint: %q", c.Redfish.Endpoint))
			}
			hasUsername := c.Redfish.Username != ""
			hasPassword := c.Redfish.Password != ""
			if hasUsername != hasPassword {
				errs = append(errs, "redfish username and password must be set together")
			}
		}
		if c.Redfish.HTTPTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid redfish http timeout: %s must be positive", c.Redfish.HTTPTimeout))
		}
		if c.Redfish.SampleInterval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid redfish sample interval: %s must be positive", c.Redfish.SampleInterval))
		}
	}
	{ // MQTT
		if c.MQTTEnabled() && c.MQTT.Topic == "" {
			errs = append(errs, "mqtt topic cannot be empty")
		}
		if c.MQTT.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid mqtt timeout: %s must be positive", c.MQTT.Timeout))
		}
	}
	{ // Overflow
		if c.Overflow.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid overflow interval: %s can't be negative", c.Overflow.Interval))
		}
	}
	{ // Report
		switch c.Report.Format {
		case "csv", "table":
		default:
			errs = append(errs, fmt.Sprintf("invalid report format: %s", c.Report.Format))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	if err != nil {
		return err
	}

	return nil
}

func (c *Config) String() string {
	redacted := *c
	if redacted.Redfish.Password != "" {
		redacted.Redfish.Password = "********"
	}
	if redacted.MQTT.Password != "" {
		redacted.MQTT.Password = "********"
	}

	bytes, err := yaml.Marshal(&redacted)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return redacted.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostDevFSFlag, c.Host.DevFS},
		{RaplEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Rapl.Enabled, false))},
		{RaplZones, strings.Join(c.Rapl.Zones, ", ")},
		{MSREnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.MSR.Enabled, false))},
		{MSRDevicePathFlag, c.MSR.DevicePath},
		{HwmonEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Hwmon.Enabled, false))},
		{NVMLEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.NVML.Enabled, false))},
		{RedfishEndpointFlag, c.Redfish.Endpoint},
		{RedfishUsernameFlag, c.Redfish.Username},
		{RedfishPasswordFlag, c.Redfish.Password},
		{MQTTBrokerFlag, c.MQTT.Broker},
		{MQTTTopicFlag, c.MQTT.Topic},
		{OverflowEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Overflow.Enabled, false))},
		{OverflowIntervalFlag, c.Overflow.Interval.String()},
		{ReportFormatFlag, c.Report.Format},
		{ReportOutputFlag, c.Report.Output},
		{ReportMetricsFlag, c.Report.Metrics},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
