package mcumgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// smpCharacteristicUUID is the well-known SMP characteristic UUID exposed
// by the MCUmgr BLE transport (same value the teacher hard-codes).
var smpCharacteristicUUID, _ = bluetooth.ParseUUID("da2e7828-fbce-4e01-ae9e-261174997c48")

var _ Transport = (*BLETransport)(nil)

// BLETransportConfig selects which peripheral to connect to, by name or
// address, as in the teacher's BLETransportConfig.
type BLETransportConfig struct {
	Name    string
	Address string

	// ConnectTimeout bounds the scan + GATT connect handshake.
	ConnectTimeout time.Duration
}

// BLETransport carries SMP frames over the MCUmgr BLE GATT characteristic.
// Grounded on the teacher's transport_ble.go, generalized from a
// synchronous "send and wait for this one sequence" call into the
// frame-sink/frame-source contract the router expects: notifications are
// pushed onto a channel instead of being dispatched to a per-sequence
// callback map, since correlation is now the router's job, not the
// transport's.
type BLETransport struct {
	cfg BLETransportConfig

	adapter *bluetooth.Adapter
	device  bluetooth.Device

	smpCharacteristic bluetooth.DeviceCharacteristic

	frames chan []byte
	errs   chan error
}

// NewBLETransport enables the default Bluetooth adapter and connects to
// the peripheral described by cfg.
func NewBLETransport(ctx context.Context, cfg BLETransportConfig) (*BLETransport, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	t := &BLETransport{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		frames:  make(chan []byte, 16),
		errs:    make(chan error, 1),
	}

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *BLETransport) connect(ctx context.Context) error {
	var found bool
	var deviceAddr bluetooth.Address

	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	err := t.adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
		slog.Debug("found ble device", "name", sr.LocalName(), "addr", sr.Address)

		nameMatch := t.cfg.Name != "" && sr.LocalName() == t.cfg.Name
		addrMatch := t.cfg.Address != "" && sr.Address.String() == t.cfg.Address
		if !nameMatch && !addrMatch {
			return
		}

		deviceAddr = sr.Address
		found = true
		cancel()
		_ = t.adapter.StopScan()
	})
	if err != nil {
		return fmt.Errorf("start ble scan: %w", err)
	}

	slog.Info("started ble scan", "name", t.cfg.Name, "address", t.cfg.Address)

	<-scanCtx.Done()
	_ = t.adapter.StopScan()

	if !found {
		return errors.New("ble device not found")
	}

	dev, err := t.adapter.Connect(deviceAddr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(t.cfg.ConnectTimeout),
		Timeout:           bluetooth.NewDuration(t.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("connect ble: %w", err)
	}
	t.device = dev

	if err := t.discoverSMPCharacteristic(); err != nil {
		return fmt.Errorf("discover smp characteristic: %w", err)
	}

	if err := t.enableNotifications(); err != nil {
		return fmt.Errorf("enable smp notifications: %w", err)
	}

	return nil
}

func (t *BLETransport) discoverSMPCharacteristic() error {
	services, err := t.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDSMP})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(services) != 1 {
		return errors.New("smp service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{smpCharacteristicUUID})
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return errors.New("smp characteristic not found")
	}

	t.smpCharacteristic = chars[0]
	return nil
}

func (t *BLETransport) enableNotifications() error {
	return t.smpCharacteristic.EnableNotifications(func(buf []byte) {
		frame := make([]byte, len(buf))
		copy(frame, buf)

		select {
		case t.frames <- frame:
		default:
			slog.Warn("dropped smp notification, receiver not keeping up")
		}
	})
}

// SendFrame implements Transport.
func (t *BLETransport) SendFrame(ctx context.Context, frame []byte) error {
	_, err := t.smpCharacteristic.WriteWithoutResponse(frame)
	if err != nil {
		select {
		case t.errs <- err:
		default:
		}
		return fmt.Errorf("write smp frame: %w", err)
	}
	return nil
}

func (t *BLETransport) Frames() <-chan []byte { return t.frames }
func (t *BLETransport) Errors() <-chan error  { return t.errs }

// Close implements Transport.
func (t *BLETransport) Close() error {
	if err := t.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect ble: %w", err)
	}
	close(t.frames)
	close(t.errs)
	return nil
}
