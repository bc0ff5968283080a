package service

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	sales      metric.Int64Counter
	salesMinor metric.Int64Counter
	reversals  metric.Int64Counter
	shifts     metric.Int64Counter
	rejected   metric.Int64Counter
	txFailures metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter("possettle/service")
	return instruments{
		sales:      counter(meter, "pos.sales.committed", "Committed sales"),
		salesMinor: counter(meter, "pos.sales.amount_minor", "Committed sale totals in minor units"),
		reversals:  counter(meter, "pos.sales.reversed", "Reversed sales"),
		shifts:     counter(meter, "pos.shifts.closed", "Closed shifts"),
		rejected:   counter(meter, "pos.operations.rejected", "Operations rejected by validation or policy"),
		txFailures: counter(meter, "pos.transactions.failed", "Units of work rolled back on storage failure"),
	}
}

func counter(meter metric.Meter, name string, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		log.Printf("[service] WARN: metric %s unavailable: %v", name, err)
		return noop.Int64Counter{}
	}
	return c
}

func metricAttrs(attrs ...attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(attrs...)
}
