// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/cbrain/bourreau/lib/cmd"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ManagementHandler serves the worker's management API:
//
//	GET  /metrics        prometheus metrics
//	GET  /_health/ping   {"health":"OK"} if Health returns nil
//	POST /_wake          end sleep mode
//
// Every request must carry "Authorization: Bearer {Token}". If Token
// is empty, all requests are refused.
type ManagementHandler struct {
	Token    string
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger
	// Health is called by /_health/ping. Nil means always
	// healthy.
	Health func() error
	Wake   func()

	setupOnce sync.Once
	mux       *httprouter.Router
}

func (h *ManagementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	if h.Token == "" {
		http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		return
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	} else if tok != h.Token {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *ManagementHandler) setup() {
	h.mux = httprouter.New()
	if h.Registry != nil {
		h.mux.Handler("GET", "/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{
			ErrorLog: h.Logger,
		}))
	}
	h.mux.HandlerFunc("GET", "/_health/ping", h.ping)
	h.mux.HandlerFunc("POST", "/_wake", func(w http.ResponseWriter, r *http.Request) {
		if h.Wake != nil {
			h.Wake()
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *ManagementHandler) ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{"health": "OK"}
	if h.Health != nil {
		if err := h.Health(); err != nil {
			resp = map[string]string{"health": "ERROR", "error": err.Error()}
		}
	}
	json.NewEncoder(w).Encode(resp)
}

// registerVersion adds bourreau_version_running{version="..."} 1.
func registerVersion(reg *prometheus.Registry) {
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bourreau",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)
}
