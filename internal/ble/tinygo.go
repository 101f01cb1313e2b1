package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// maxReadLen bounds a single characteristic read (ATT max attribute size).
const maxReadLen = 512

// ManufacturerData is one manufacturer-specific advertisement element.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Advertisement is one raw advertising report.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int
	ManufacturerData []ManufacturerData
}

// scanSub is one consumer of the shared adapter scan.
type scanSub struct {
	onResult func(bluetooth.ScanResult)
	onError  func(error)
}

// TinygoDriver adapts tinygo-org/bluetooth to the Driver interface. The
// library's calls block, so each one runs on its own goroutine and reports
// back through the EventSink, the way a platform GATT callback would.
// The adapter allows one scan at a time; the driver runs a single scan
// loop and fans results out to every subscriber (the connector's filtered
// scan and any advertisement subscribers).
// On macOS device addresses are CoreBluetooth UUIDs rather than MACs.
type TinygoDriver struct {
	adapter *bluetooth.Adapter

	// mu protects every field below.
	mu          sync.Mutex
	enabled     bool
	subs        map[int]*scanSub
	nextSub     int
	scanRunning bool
	stopConnect func()                      // unsubscribes the connector's scan
	transports  map[string]*tinygoTransport // keyed by device address
}

// NewTinygoDriver creates a driver on the default adapter. Call Enable
// before use.
func NewTinygoDriver() *TinygoDriver {
	return &TinygoDriver{
		adapter:    bluetooth.DefaultAdapter,
		subs:       make(map[int]*scanSub),
		transports: make(map[string]*tinygoTransport),
	}
}

// Enable powers on the adapter and registers the disconnect handler.
func (d *TinygoDriver) Enable() error {
	if err := d.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		d.mu.Lock()
		t, ok := d.transports[device.Address.String()]
		d.mu.Unlock()
		if ok {
			t.sink(&ConnectionStateChanged{Status: StatusSuccess, Connected: false})
		}
	})

	d.mu.Lock()
	d.enabled = true
	d.mu.Unlock()
	return nil
}

func (d *TinygoDriver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// StartScan scans until StopScan. tinygo has no scan-mode knob, so
// filter.Mode is ignored.
func (d *TinygoDriver) StartScan(filter ScanFilter, sink EventSink) error {
	uuid, err := bluetooth.ParseUUID(filter.ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	d.mu.Lock()
	if d.stopConnect != nil {
		d.mu.Unlock()
		return errors.New("ble: scan already in progress")
	}
	d.mu.Unlock()

	stop := d.subscribe(&scanSub{
		onResult: func(result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			sink(&ScanResult{
				Address: result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			})
		},
		onError: func(err error) {
			slog.Error("[BLE] scan ended with error", "error", err)
			d.mu.Lock()
			d.stopConnect = nil
			d.mu.Unlock()
			sink(&ScanFailed{Code: StatusFailure})
		},
	})

	d.mu.Lock()
	d.stopConnect = stop
	d.mu.Unlock()
	return nil
}

func (d *TinygoDriver) StopScan() error {
	d.mu.Lock()
	stop := d.stopConnect
	d.stopConnect = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// SubscribeAdvertisements delivers every advertising report to fn until the
// returned function is called. onError is called if the scan loop fails;
// the subscription is dropped in that case.
func (d *TinygoDriver) SubscribeAdvertisements(fn func(Advertisement), onError func(error)) func() {
	return d.subscribe(&scanSub{
		onResult: func(result bluetooth.ScanResult) {
			adv := Advertisement{
				Address: result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			}
			for _, m := range result.ManufacturerData() {
				adv.ManufacturerData = append(adv.ManufacturerData, ManufacturerData{
					CompanyID: m.CompanyID,
					Data:      append([]byte(nil), m.Data...),
				})
			}
			fn(adv)
		},
		onError: onError,
	})
}

func (d *TinygoDriver) subscribe(s *scanSub) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = s
	start := !d.scanRunning
	d.scanRunning = true
	d.mu.Unlock()

	if start {
		go d.scanLoop()
	}

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(id) })
	}
}

func (d *TinygoDriver) unsubscribe(id int) {
	d.mu.Lock()
	delete(d.subs, id)
	idle := len(d.subs) == 0
	d.mu.Unlock()

	if idle {
		// Errors here mean the scan already stopped or has not started yet;
		// the loop's result callback stops it in the latter case.
		_ = d.adapter.StopScan()
	}
}

// scanLoop runs adapter scans while there are subscribers.
func (d *TinygoDriver) scanLoop() {
	for {
		err := d.adapter.Scan(d.dispatchScanResult)

		d.mu.Lock()
		if err != nil {
			subs := d.snapshotSubs()
			d.subs = make(map[int]*scanSub)
			d.scanRunning = false
			d.mu.Unlock()
			for _, s := range subs {
				if s.onError != nil {
					s.onError(err)
				}
			}
			return
		}
		if len(d.subs) == 0 {
			d.scanRunning = false
			d.mu.Unlock()
			return
		}
		// Someone subscribed while the previous scan was stopping.
		d.mu.Unlock()
	}
}

func (d *TinygoDriver) dispatchScanResult(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
	d.mu.Lock()
	subs := d.snapshotSubs()
	d.mu.Unlock()

	if len(subs) == 0 {
		_ = adapter.StopScan()
		return
	}
	for _, s := range subs {
		s.onResult(result)
	}
}

// snapshotSubs copies the subscriber list. Caller holds d.mu.
func (d *TinygoDriver) snapshotSubs() []*scanSub {
	subs := make([]*scanSub, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	return subs
}

// Connect starts connecting in the background and returns the transport
// handle immediately.
func (d *TinygoDriver) Connect(address string, sink EventSink) (Transport, error) {
	var addr bluetooth.Address
	addr.Set(address)

	t := &tinygoTransport{
		driver:  d,
		address: address,
		sink:    sink,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}
	d.mu.Lock()
	d.transports[address] = t
	d.mu.Unlock()

	go func() {
		device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Warn("[BLE] connect failed", "address", address, "error", err)
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				sink(&ConnectionStateChanged{Status: StatusFailure, Connected: false})
			}
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = device.Disconnect()
			return
		}
		t.device = &device
		t.mu.Unlock()

		sink(&ConnectionStateChanged{Status: StatusSuccess, Connected: true})
	}()
	return t, nil
}

// Compile-time check that TinygoDriver implements Driver.
var _ Driver = (*TinygoDriver)(nil)

type tinygoTransport struct {
	driver  *TinygoDriver
	address string
	sink    EventSink

	mu     sync.Mutex
	device *bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic // keyed by expanded UUID
	closed bool
}

func (t *tinygoTransport) Address() string { return t.address }

func (t *tinygoTransport) connectedDevice() (*bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil, errors.New("ble: not connected")
	}
	return t.device, nil
}

func (t *tinygoTransport) DiscoverServices() error {
	device, err := t.connectedDevice()
	if err != nil {
		return err
	}

	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			slog.Error("[BLE] discover services", "error", err)
			t.sink(&ServicesDiscovered{Status: StatusFailure})
			return
		}

		services := make([]Service, 0, len(svcs))
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics", "service", svc.UUID().String(), "error", err)
				continue
			}
			s := Service{UUID: svc.UUID().String()}
			t.mu.Lock()
			for _, ch := range chars {
				id := ch.UUID().String()
				s.Characteristics = append(s.Characteristics, id)
				if key, err := ExpandUUID(id); err == nil {
					t.chars[key] = ch
				}
			}
			t.mu.Unlock()
			services = append(services, s)
		}
		t.sink(&ServicesDiscovered{Status: StatusSuccess, Services: services})
	}()
	return nil
}

func (t *tinygoTransport) characteristic(charUUID string) (bluetooth.DeviceCharacteristic, error) {
	key, err := ExpandUUID(charUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.chars[key]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered", charUUID)
	}
	return ch, nil
}

func (t *tinygoTransport) WriteCharacteristic(_, charUUID string, value []byte) error {
	ch, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	go func() {
		status := StatusSuccess
		if err := writeRequest(ch, data); err != nil {
			slog.Warn("[BLE] characteristic write", "characteristic", charUUID, "error", err)
			status = StatusFailure
		}
		t.sink(&CharacteristicWritten{Characteristic: charUUID, Status: status})
	}()
	return nil
}

func (t *tinygoTransport) ReadCharacteristic(_, charUUID string) error {
	ch, err := t.characteristic(charUUID)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, maxReadLen)
		n, err := ch.Read(buf)
		if err != nil {
			slog.Warn("[BLE] characteristic read", "characteristic", charUUID, "error", err)
			t.sink(&CharacteristicRead{Characteristic: charUUID, Status: StatusFailure})
			return
		}
		t.sink(&CharacteristicRead{Characteristic: charUUID, Status: StatusSuccess, Value: buf[:n]})
	}()
	return nil
}

func (t *tinygoTransport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

func (t *tinygoTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.chars = make(map[string]bluetooth.DeviceCharacteristic)
	t.mu.Unlock()

	t.driver.mu.Lock()
	if t.driver.transports[t.address] == t {
		delete(t.driver.transports, t.address)
	}
	t.driver.mu.Unlock()
	return nil
}
