package device

import (
	"context"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

const (
	rebootBaudRate = 115200
	rebootKeyDelay = 100 * time.Millisecond
	ctrlC          = "\x03" // interrupt running code, drop to the REPL
	ctrlD          = "\x04" // soft reboot, reload all code
)

// SerialRebooter soft-reboots a MicroPython board over its serial REPL by
// sending Ctrl+C followed by Ctrl+D.
type SerialRebooter struct {
	port string
}

func NewSerialRebooter(port string) *SerialRebooter {
	return &SerialRebooter{port: port}
}

func (s *SerialRebooter) Reboot(ctx context.Context) error {
	slog.Debug("serial reboot", "port", s.port)

	com, err := serial.Open(s.port, &serial.Mode{BaudRate: rebootBaudRate})
	if err != nil {
		return &LinkError{Op: "reboot open", Err: err}
	}
	defer com.Close()

	if _, err := com.Write([]byte(ctrlC)); err != nil {
		return &LinkError{Op: "reboot interrupt", Err: err}
	}
	time.Sleep(rebootKeyDelay)

	if _, err := com.Write([]byte(ctrlD)); err != nil {
		return &LinkError{Op: "reboot reset", Err: err}
	}
	time.Sleep(rebootKeyDelay)

	return nil
}
