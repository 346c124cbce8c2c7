package engine

import (
	"github.com/23skdu/xinfer/internal/device"
	"github.com/23skdu/xinfer/internal/logger"
)

type Option func(*options)

type options struct {
	driver device.Driver
	device string
	name   string
	log    *logger.Logger
}

// WithDriver uses d instead of opening one from the device registry.
func WithDriver(d device.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithDevice selects a registered driver by name. The default is "cpu".
func WithDevice(name string) Option {
	return func(o *options) { o.device = name }
}

// WithName labels the engine in logs and metrics instead of the name
// derived from the plan file.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{device: device.CPUName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Log
	}
	return o
}
