package engine

// Transceiver delivers resource requests to devices.
// Send is asynchronous: onResult is called later on the scheduler goroutine with the
// result code and the response payload. Retries and timeouts are the transceiver's
// concern. A non-nil error from Send means the request was not queued at all.
type Transceiver interface {
	Send(address uint16, payload []byte, onResult func(TxResult, []byte)) error
}

// RemoteSync synchronizes a remote device before resources are created on it.
type RemoteSync interface {
	SyncDevice(address uint16, onResult func(SyncResult))
}

// DeviceEventHandler receives events the devices push without a request.
type DeviceEventHandler interface {
	// ResourcesInvalidated reports handles the device dropped by itself.
	ResourcesInvalidated(address uint16, handles []uint16)

	// DeviceLost reports that the device lost synchronization, dropping every resource.
	DeviceLost(address uint16)
}

// DeviceEventSource is implemented by transports that can push device events.
type DeviceEventSource interface {
	SubscribeDeviceEvents(h DeviceEventHandler)
}
