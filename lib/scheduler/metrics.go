// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	scans          prometheus.Counter
	emptyScans     prometheus.Counter
	debounced      prometheus.Counter
	sleeping       prometheus.Gauge
	dispatches     *prometheus.CounterVec
	lostRaces      prometheus.Counter
	capacityAborts prometheus.Counter
	userCapSkips   prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "scans_total",
			Help:      "Number of task table scans.",
		}),
		emptyScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "empty_scans_total",
			Help:      "Number of scans that found no actionable task.",
		}),
		debounced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "debounced_tasks_total",
			Help:      "Number of tasks skipped because they were updated too recently.",
		}),
		sleeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "sleep_mode",
			Help:      "1 if the worker is in sleep mode.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "Number of tasks dispatched, by status before dispatch.",
		}, []string{"status"}),
		lostRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "lost_races_total",
			Help:      "Number of dispatches abandoned because another process changed the task first.",
		}),
		capacityAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "capacity_aborts_total",
			Help:      "Number of scans cut short by the resource task limit.",
		}),
		userCapSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bourreau",
			Subsystem: "scheduler",
			Name:      "user_limit_skips_total",
			Help:      "Number of times a user's remaining tasks were skipped because of the user task limit.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.emptyScans, m.debounced, m.sleeping, m.dispatches, m.lostRaces, m.capacityAborts, m.userCapSkips)
	}
	return m
}
