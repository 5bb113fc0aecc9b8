// Package protocol implements the USB Power Delivery protocol layer: GoodCRC
// handshaking, message ID bookkeeping, retries, and extended message
// chunking, sitting between a usbpd.Driver and the sink policy engine.
package protocol

import (
	"errors"

	"github.com/elagil/go-usbpd"
)

// isHardResetRx reports whether err is a *usbpd.DriverRxError carrying a
// hard reset.
func isHardResetRx(err error) bool {
	var rxErr *usbpd.DriverRxError
	return errors.As(err, &rxErr) && rxErr.HardReset
}

func isHardResetTx(err error) bool {
	var txErr *usbpd.DriverTxError
	return errors.As(err, &txErr) && txErr.HardReset
}
