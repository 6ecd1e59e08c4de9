package fpgaboot

import "errors"

var (
	// ErrConfigurationTimeout is returned when the FPGA does not assert done
	// within the configured bound after the reset pulse.
	ErrConfigurationTimeout = errors.New("fpga configuration timeout")

	// ErrConfigurationFailed is returned by the controller once every
	// configuration attempt has failed.
	ErrConfigurationFailed = errors.New("fpga configuration failed")

	// ErrNotArmed is returned when reset is requested without a token from
	// Monitor.Arm.
	ErrNotArmed = errors.New("completion monitor not armed")

	ErrBusNotOwned = errors.New("spi bus is not owned by the mcu")
	ErrNoFlash     = errors.New("flash access not configured")
)
