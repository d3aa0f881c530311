// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package syncstatus

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	waits      *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	operations *prometheus.CounterVec
	lostClaims prometheus.Counter
	demotions  *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "sync",
			Name:      "waits_total",
			Help:      "Number of polls spent waiting for another process to finish a transfer.",
		}, []string{"operation"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "sync",
			Name:      "timeouts_total",
			Help:      "Number of operations that gave up waiting.",
		}, []string{"operation"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Number of synchronized operations, by outcome.",
		}, []string{"operation", "outcome"}),
		lostClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "sync",
			Name:      "lost_claims_total",
			Help:      "Number of times another process changed a sync marker between read and claim.",
		}),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "sync",
			Name:      "demotions_total",
			Help:      "Number of stale sync markers demoted on read.",
		}, []string{"from", "to"}),
	}
	if reg != nil {
		reg.MustRegister(m.waits, m.timeouts, m.operations, m.lostClaims, m.demotions)
	}
	return m
}
