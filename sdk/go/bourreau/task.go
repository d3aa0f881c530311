// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bourreau

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Task is a row of the cbrain_tasks table.
type Task struct {
	ID               int64         `db:"id" json:"id"`
	UserID           int64         `db:"user_id" json:"user_id"`
	ResourceID       int64         `db:"bourreau_id" json:"bourreau_id"`
	Type             string        `db:"type" json:"type"`
	ToolConfigID     *int64        `db:"tool_config_id" json:"tool_config_id"`
	Description      string        `db:"description" json:"description"`
	Status           TaskStatus    `db:"status" json:"status"`
	RunNumber        int           `db:"run_number" json:"run_number"`
	Params           Params        `db:"params" json:"params"`
	Prerequisites    Prerequisites `db:"prerequisites" json:"prerequisites"`
	ClusterJobID     string        `db:"cluster_jobid" json:"cluster_jobid"`
	ClusterWorkDir   string        `db:"cluster_workdir" json:"cluster_workdir"`
	// ClusterRunNumber is the run number the current cluster job
	// was submitted under.
	ClusterRunNumber int           `db:"cluster_run_number" json:"cluster_run_number"`
	Log              string        `db:"log" json:"-"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// JobName returns the name used for the task's cluster job. The run
// number keeps repeated attempts distinguishable.
func (t *Task) JobName() string {
	return fmt.Sprintf("T%d-%d", t.ID, t.RunNumber)
}

// ClusterJobName returns the name the current cluster job was
// submitted with. It differs from JobName after a restart that did
// not resubmit.
func (t *Task) ClusterJobName() string {
	return fmt.Sprintf("T%d-%d", t.ID, t.ClusterRunNumber)
}

// Params holds task-type specific parameters. Stored as a JSON
// object.
type Params map[string]interface{}

// Value implements driver.Valuer.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(p)
	return string(buf), err
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src interface{}) error {
	*p = Params{}
	return scanJSON(src, p)
}

// String returns the named parameter, or "" if it is missing or not
// a string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns the named parameter, or false if it is missing or not
// a boolean.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Int64s returns the named parameter as a list of integers. JSON
// numbers and numeric strings are accepted.
func (p Params) Int64s(key string) ([]int64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("param %q: expected a list, got %T", key, raw)
	}
	var ids []int64
	for _, v := range list {
		switch v := v.(type) {
		case float64:
			ids = append(ids, int64(v))
		case string:
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", key, err)
			}
			ids = append(ids, id)
		default:
			return nil, fmt.Errorf("param %q: unexpected element %T", key, v)
		}
	}
	return ids, nil
}

// PrerequisiteKind selects the lifecycle step a set of prerequisites
// guards.
type PrerequisiteKind string

const (
	ForSetup          = PrerequisiteKind("for_setup")
	ForPostProcessing = PrerequisiteKind("for_post_processing")
)

// Prerequisites maps a lifecycle step to the states other tasks must
// have reached before this task can proceed past that step.
//
// The JSON form uses string keys for task IDs:
//
//	{"for_setup": {"12": "Completed"}, "for_post_processing": {"13": "Data Ready"}}
type Prerequisites map[PrerequisiteKind]map[int64]TaskStatus

// Value implements driver.Valuer.
func (p Prerequisites) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	buf, err := json.Marshal(p)
	return string(buf), err
}

// Scan implements sql.Scanner.
func (p *Prerequisites) Scan(src interface{}) error {
	*p = Prerequisites{}
	return scanJSON(src, p)
}

func scanJSON(src interface{}, dst interface{}) error {
	var buf []byte
	switch src := src.(type) {
	case nil:
		return nil
	case []byte:
		buf = src
	case string:
		buf = []byte(src)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
	if len(buf) == 0 {
		return nil
	}
	return json.Unmarshal(buf, dst)
}
