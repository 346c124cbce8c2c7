package engine

import "errors"

// Errors returned by Load and Predict. Callers match them with errors.Is;
// the wrapped chain keeps the driver's cause.
var (
	ErrLoad           = errors.New("engine load failed")
	ErrUnknownBinding = errors.New("unknown input binding")
	ErrShapeMismatch  = errors.New("input shape mismatch")
	ErrExecution      = errors.New("execution failed")
	ErrEngineInvalid  = errors.New("engine invalid")
	ErrClosed         = errors.New("engine closed")
)

// resultLabel maps a Predict error to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownBinding):
		return "unknown_binding"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrEngineInvalid):
		return "invalid"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "execution_error"
	}
}
