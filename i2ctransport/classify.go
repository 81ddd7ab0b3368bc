package i2ctransport

import "errors"

// Sentinel bus errors a Bus implementation (real or synthetic) returns from
// Tx. Classify maps these to an ErrorKind; any other error is treated as a
// DmaError, matching the teacher's permissive enrich()-style "unknown
// driver error gets the nearest bucket" handling.
var (
	ErrBusBusy            = errors.New("i2c bus busy")
	ErrBusNak             = errors.New("i2c device did not acknowledge")
	ErrBusArbitrationLost = errors.New("i2c arbitration lost")
	ErrBusDMA             = errors.New("i2c dma controller error")
	ErrBusTimeout         = errors.New("i2c bus operation timed out")
)

// Classify maps a raw Bus.Tx error to an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrNone
	case errors.Is(err, ErrBusBusy):
		return ErrBusy
	case errors.Is(err, ErrBusNak):
		return ErrNak
	case errors.Is(err, ErrBusArbitrationLost):
		return ErrArbitrationLost
	case errors.Is(err, ErrBusTimeout):
		return ErrTimeout
	case errors.Is(err, ErrBusDMA):
		return ErrDmaError
	default:
		return ErrDmaError
	}
}
