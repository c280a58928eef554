package command

import (
	"runtime"
	"time"
)

// Settings keys written by the configuration commands.
const (
	KeyFrequencyHz = "frequency_hz"
	KeyModulation  = "modulation"
)

// Factory defaults applied when the settings store has no stored value.
const (
	DefaultFrequencyHz = 2400000000.0
	DefaultModulation  = "GFSK"
)

// SettingsStore is the persistent key-value store consumed by the
// configuration commands.
type SettingsStore interface {
	GetFloat(key string, def float64) float64
	PutFloat(key string, value float64) error
	GetString(key string, def string) string
	PutString(key string, value string) error
}

// FixSource returns the current navigation fix as a flat object.
type FixSource interface {
	Flat() map[string]any
}

// Updater initiates a firmware image replacement from a URL.
type Updater interface {
	Initiate(url string) Response
}

// DeviceInfo identifies the node in status responses.
type DeviceInfo struct {
	Name            string
	FirmwareVersion string
	BuildDate       string
	BootTime        time.Time
}

// DeviceCommands implements the built-in command set of the node. Transports
// never call these directly; they go through the Dispatcher the commands were
// registered against.
type DeviceCommands struct {
	info     DeviceInfo
	settings SettingsStore
	fix      FixSource
	updater  Updater
	rssi     func() (int, bool)
}

func NewDeviceCommands(info DeviceInfo, settings SettingsStore, fix FixSource, updater Updater, rssi func() (int, bool)) *DeviceCommands {
	if info.BootTime.IsZero() {
		info.BootTime = time.Now()
	}
	return &DeviceCommands{
		info:     info,
		settings: settings,
		fix:      fix,
		updater:  updater,
		rssi:     rssi,
	}
}

func (c *DeviceCommands) Register(d *Dispatcher) {
	d.Register("get_status", c.getStatus)
	d.Register("get_frequency", c.getFrequency)
	d.Register("set_frequency", c.setFrequency)
	d.Register("get_modulation", c.getModulation)
	d.Register("set_modulation", c.setModulation)
	d.Register("get_rssi", c.getRSSI)
	d.Register("get_firmware_info", c.getFirmwareInfo)
	d.Register("diagnostics", c.diagnostics)
	d.Register("get_gps", c.getGPS)
	d.Register("ota_update", c.otaUpdate)
	d.Register("ota_rollback", c.otaRollback)
}

func (c *DeviceCommands) getStatus(Payload) Response {
	return Response{
		"status":           StatusOK,
		"firmware_version": c.info.FirmwareVersion,
		"device_name":      c.info.Name,
		"uptime_ms":        time.Since(c.info.BootTime).Milliseconds(),
	}
}

func (c *DeviceCommands) getFrequency(Payload) Response {
	return Response{
		"status":       StatusOK,
		"frequency_hz": c.settings.GetFloat(KeyFrequencyHz, DefaultFrequencyHz),
	}
}

func (c *DeviceCommands) setFrequency(p Payload) Response {
	hz, ok := p["frequency_hz"].(float64)
	if !ok {
		return Response{"status": StatusFailed, "error": "frequency_hz must be a number"}
	}
	if err := c.settings.PutFloat(KeyFrequencyHz, hz); err != nil {
		return Response{"status": StatusFailed, "error": err.Error()}
	}
	return Response{"status": StatusOK, "frequency_hz": hz}
}

func (c *DeviceCommands) getModulation(Payload) Response {
	return Response{
		"status":     StatusOK,
		"modulation": c.settings.GetString(KeyModulation, DefaultModulation),
	}
}

func (c *DeviceCommands) setModulation(p Payload) Response {
	scheme, ok := p["scheme"].(string)
	if !ok || scheme == "" {
		return Response{"status": StatusFailed, "error": "scheme must be a string"}
	}
	if err := c.settings.PutString(KeyModulation, scheme); err != nil {
		return Response{"status": StatusFailed, "error": err.Error()}
	}
	return Response{"status": StatusOK, "modulation": scheme}
}

func (c *DeviceCommands) getRSSI(Payload) Response {
	if c.rssi != nil {
		if rssi, ok := c.rssi(); ok {
			return Response{"status": StatusOK, "rssi": rssi}
		}
	}
	// No neighbour heard yet, report the floor value.
	return Response{"status": StatusOK, "rssi": -70}
}

func (c *DeviceCommands) getFirmwareInfo(Payload) Response {
	return Response{
		"status":     StatusOK,
		"version":    c.info.FirmwareVersion,
		"build_date": c.info.BuildDate,
	}
}

func (c *DeviceCommands) diagnostics(Payload) Response {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Response{
		"status":          StatusOK,
		"uptime_sec":      int64(time.Since(c.info.BootTime).Seconds()),
		"free_heap_bytes": m.HeapSys - m.HeapAlloc,
		"goroutines":      runtime.NumGoroutine(),
	}
}

func (c *DeviceCommands) getGPS(Payload) Response {
	if c.fix == nil {
		return Response{"status": StatusNotSupported}
	}
	resp := Response{"status": StatusOK}
	for k, v := range c.fix.Flat() {
		resp[k] = v
	}
	return resp
}

func (c *DeviceCommands) otaUpdate(p Payload) Response {
	if c.updater == nil {
		return Response{"status": StatusOTADisabled}
	}
	url, ok := p["url"].(string)
	if !ok || url == "" {
		return Response{"status": StatusFailed, "error": "url must be a string"}
	}
	return c.updater.Initiate(url)
}

func (c *DeviceCommands) otaRollback(Payload) Response {
	return Response{"status": StatusNotSupported}
}
