//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeRequest writes with response and returns once the peripheral has
// acknowledged the write.
func writeRequest(ch bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := ch.Write(data)
	return err
}
