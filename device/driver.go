package device

import (
	"github.com/d94ny/x86kernel/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Any diagnostic output the
	// driver produces during initialization is written to the supplied
	// io.Writer.
	DriverInit(io.Writer) *kernel.Error
}
