//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeRequest writes data and returns once the write has been confirmed.
// On BlueZ this is WriteValue with no "type" option, which the daemon sends
// as a write request when the characteristic supports it, so the D-Bus call
// returns after the peripheral's response.
func writeRequest(ch bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := ch.WriteWithoutResponse(data)
	return err
}
