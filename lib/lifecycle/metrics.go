// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	terminal      *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	snapbacks     prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "lifecycle",
			Name:      "terminal_transitions_total",
			Help:      "Number of tasks that reached a terminal status.",
		}, []string{"status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "lifecycle",
			Name:      "submissions_total",
			Help:      "Number of cluster job submissions, by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "lifecycle",
			Name:      "notifications_total",
			Help:      "Number of user notifications, by outcome.",
		}, []string{"outcome"}),
		snapbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "lifecycle",
			Name:      "recovery_snapbacks_total",
			Help:      "Number of recoveries abandoned because the cluster job was still alive.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.terminal, m.submissions, m.notifications, m.snapbacks)
	}
	return m
}
