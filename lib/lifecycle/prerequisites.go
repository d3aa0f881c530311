// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lifecycle

import (
	"fmt"
	"sort"

	"github.com/cbrain/bourreau/sdk/go/bourreau"
)

type Verdict int

const (
	Go Verdict = iota
	Wait
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Go:
		return "go"
	case Wait:
		return "wait"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// EvaluatePrerequisites decides whether a task whose prerequisites
// are required (task ID -> required status) can proceed, given the
// current status of those tasks. A missing entry in current means
// the task does not exist.
//
// Any failing prerequisite makes the verdict Fail, otherwise any
// unmet one makes it Wait. The returned message explains a Fail.
func EvaluatePrerequisites(required, current map[int64]bourreau.TaskStatus) (Verdict, string) {
	ids := make([]int64, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	verdict := Go
	for _, id := range ids {
		want := required[id]
		wantRank, ok := want.ProgressRank()
		if !ok {
			return Fail, fmt.Sprintf("prerequisite task %d: %q is not a state a task can wait for", id, want)
		}
		st, ok := current[id]
		if !ok {
			return Fail, fmt.Sprintf("prerequisite task %d does not exist", id)
		}
		if st.IsFailed() || st == bourreau.StatusTerminated {
			return Fail, fmt.Sprintf("prerequisite task %d is %s", id, st)
		}
		if rank, ok := st.ProgressRank(); !ok || rank < wantRank {
			verdict = Wait
		}
	}
	return verdict, ""
}
