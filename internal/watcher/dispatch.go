package watcher

import (
	"context"
	"errors"
	"fmt"

	"filewatch/internal/logging"
	"filewatch/internal/metrics"
)

var errNoTransport = errors.New("no transport configured")

// dispatcher validates a changed file and fans the change out.
type dispatcher struct {
	validator   Validator
	transport   Transport
	logger      *logging.Logger
	metrics     *metrics.Registry
	subscribers func(path string) []*Subscriber
	prune       func(path string, subscriber *Subscriber)
}

func (d *dispatcher) notify(ctx context.Context, path string) {
	if d.validator != nil {
		if err := d.validator.Validate(path); err != nil {
			d.metrics.IncValidationFailures()
			d.logger.Warn("file failed validation", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			return
		}
	}
	d.metrics.IncNotifications()

	for _, subscriber := range d.subscribers(path) {
		d.metrics.IncDeliveries()
		switch subscriber.Kind() {
		case KindCallback:
			d.invoke(subscriber, path)
		case KindRemote:
			if err := d.deliver(ctx, subscriber, path); err != nil {
				d.metrics.IncPruned()
				d.logger.Debug("remote subscriber dropped", map[string]string{
					"path":   path,
					"target": subscriber.Target(),
					"error":  err.Error(),
				})
				d.prune(path, subscriber)
			}
		}
	}
}

func (d *dispatcher) invoke(subscriber *Subscriber, path string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.metrics.IncPanics()
			d.logger.Error("subscriber callback panic", map[string]string{
				"path":  path,
				"panic": fmt.Sprint(recovered),
			})
		}
	}()
	subscriber.callback(path)
}

func (d *dispatcher) deliver(ctx context.Context, subscriber *Subscriber, path string) (err error) {
	if d.transport == nil {
		return errNoTransport
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			d.metrics.IncPanics()
			err = fmt.Errorf("transport panic: %v", recovered)
		}
	}()
	return d.transport.Deliver(ctx, subscriber.Target(), path)
}
