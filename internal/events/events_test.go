// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

func newTestLog(t *testing.T) (*Log, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return New(st, nil), st
}

func seedRun(t *testing.T, st store.Store) *store.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	branchID := ids.New()
	run := &store.Run{
		ID:               ids.New(),
		TemplateID:       "t1",
		UserID:           "u1",
		CurrentVersionID: "v1",
		CurrentBranchID:  branchID,
		Status:           store.RunStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.InsertRun(ctx, run))
	require.NoError(t, st.InsertBranch(ctx, &store.Branch{
		ID:        branchID,
		RunID:     run.ID,
		Lineage:   []store.LineageEntry{{BranchID: branchID}},
		CreatedAt: now,
	}))
	return run
}

func TestAppendResolvesBranchAndVersionFromRun(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	id, err := l.Append(ctx, run.ID, "", "", TypeWorkflowCreated, "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	evs, err := l.Get(ctx, run.ID, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, run.CurrentBranchID, evs[0].BranchID)
	assert.Equal(t, "v1", evs[0].VersionID)
	assert.Equal(t, TypeWorkflowCreated, evs[0].Type)
}

func TestLineageEventsUnionWithCutoffs(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)
	root := run.CurrentBranchID

	// Three events on the root branch, then fork at the second.
	e1, err := l.Append(ctx, run.ID, "", "", TypeModuleStarted, "s1", "m1", nil)
	require.NoError(t, err)
	e2, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s1", "m1",
		map[string]any{"outputs": map[string]any{"v": 1}})
	require.NoError(t, err)
	e3, err := l.Append(ctx, run.ID, "", "", TypeModuleCompleted, "s1", "m1", nil)
	require.NoError(t, err)

	child, err := l.Fork(ctx, run.ID, root, e2)
	require.NoError(t, err)
	require.Len(t, child.Lineage, 2)
	assert.Equal(t, root, child.Lineage[0].BranchID)
	require.NotNil(t, child.Lineage[0].CutoffEventID)
	assert.Equal(t, e2, *child.Lineage[0].CutoffEventID)
	assert.Nil(t, child.Lineage[1].CutoffEventID)

	// The child sees events up to the cutoff plus its own appends.
	e4, err := l.Append(ctx, run.ID, "", "", TypeModuleCompleted, "s1", "m1", nil)
	require.NoError(t, err)

	replay, err := l.LineageEvents(ctx, run.ID, child.Lineage)
	require.NoError(t, err)
	replayIDs := eventIDs(replay)
	assert.Equal(t, []string{e1, e2, e4}, replayIDs)
	assert.NotContains(t, replayIDs, e3, "events past the cutoff must be invisible")

	// The root branch alone still sees its full history.
	rootBranch, err := st.GetBranch(ctx, root)
	require.NoError(t, err)
	full, err := l.LineageEvents(ctx, run.ID, rootBranch.Lineage)
	require.NoError(t, err)
	assert.Equal(t, []string{e1, e2, e3}, eventIDs(full))
}

func TestLineageEventsOrderedByEventID(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	var want []string
	for i := 0; i < 10; i++ {
		id, err := l.Append(ctx, run.ID, "", "", TypeModuleStarted, "s1", "m1", nil)
		require.NoError(t, err)
		want = append(want, id)
	}

	lineage, err := l.CurrentLineage(ctx, run.ID)
	require.NoError(t, err)
	replay, err := l.LineageEvents(ctx, run.ID, lineage)
	require.NoError(t, err)
	assert.Equal(t, want, eventIDs(replay))
}

func TestLineageEventsTypeFilter(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	_, err := l.Append(ctx, run.ID, "", "", TypeModuleStarted, "s1", "m1", nil)
	require.NoError(t, err)
	stored, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s1", "m1", nil)
	require.NoError(t, err)

	lineage, err := l.CurrentLineage(ctx, run.ID)
	require.NoError(t, err)
	replay, err := l.LineageEvents(ctx, run.ID, lineage, TypeOutputStored)
	require.NoError(t, err)
	assert.Equal(t, []string{stored}, eventIDs(replay))
}

func TestDuplicateOutputStoredLatestWins(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	// A retried storage write re-asserts the same output.
	_, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s1", "m1",
		map[string]any{"outputs": map[string]any{"v": 1}})
	require.NoError(t, err)
	second, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s1", "m1",
		map[string]any{"outputs": map[string]any{"v": 2}})
	require.NoError(t, err)
	other, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s2", "m1",
		map[string]any{"outputs": map[string]any{"v": 3}})
	require.NoError(t, err)

	lineage, err := l.CurrentLineage(ctx, run.ID)
	require.NoError(t, err)
	replay, err := l.LineageEvents(ctx, run.ID, lineage)
	require.NoError(t, err)
	assert.Equal(t, []string{second, other}, eventIDs(replay))
}

func TestForkUpdatesRunCurrentBranch(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	cutoff, err := l.Append(ctx, run.ID, "", "", TypeInteractionResponse, "s1", "m1", nil)
	require.NoError(t, err)

	child, err := l.Fork(ctx, run.ID, run.CurrentBranchID, cutoff)
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.CurrentBranchID)
}

func TestForkOfForkExtendsLineage(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)
	root := run.CurrentBranchID

	c1, err := l.Append(ctx, run.ID, "", "", TypeInteractionResponse, "s1", "m1", nil)
	require.NoError(t, err)
	first, err := l.Fork(ctx, run.ID, root, c1)
	require.NoError(t, err)

	c2, err := l.Append(ctx, run.ID, "", "", TypeInteractionResponse, "s1", "m1", nil)
	require.NoError(t, err)
	second, err := l.Fork(ctx, run.ID, first.ID, c2)
	require.NoError(t, err)

	require.Len(t, second.Lineage, 3)
	assert.Equal(t, root, second.Lineage[0].BranchID)
	assert.Equal(t, c1, *second.Lineage[0].CutoffEventID)
	assert.Equal(t, first.ID, second.Lineage[1].BranchID)
	assert.Equal(t, c2, *second.Lineage[1].CutoffEventID)
	assert.Equal(t, second.ID, second.Lineage[2].BranchID)
	assert.Nil(t, second.Lineage[2].CutoffEventID)
}

func TestForkRejectsInvisibleCutoff(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	cutoff, err := l.Append(ctx, run.ID, "", "", TypeInteractionResponse, "s1", "m1", nil)
	require.NoError(t, err)
	_, err = l.Fork(ctx, run.ID, run.CurrentBranchID, cutoff)
	require.NoError(t, err)

	// An event appended after the fork lives on the child, not the parent
	// lineage capped at the cutoff.
	later, err := l.Append(ctx, run.ID, "", "", TypeModuleStarted, "s1", "m1", nil)
	require.NoError(t, err)

	_, err = l.Fork(ctx, run.ID, run.CurrentBranchID, later)
	require.Error(t, err)
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestForkRejectsForeignBranch(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)
	other := seedRun(t, st)

	cutoff, err := l.Append(ctx, other.ID, "", "", TypeInteractionResponse, "s1", "m1", nil)
	require.NoError(t, err)

	_, err = l.Fork(ctx, run.ID, other.CurrentBranchID, cutoff)
	require.Error(t, err)
	var ferr *errors.FatalError
	assert.ErrorAs(t, err, &ferr)
}

func TestCorruptLineageIsFatal(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)

	cutoff := ids.New()
	corrupt := []store.LineageEntry{
		{BranchID: "b1", CutoffEventID: &cutoff},
		{BranchID: "b1"},
	}

	_, err := l.LineageEvents(ctx, run.ID, corrupt)
	require.Error(t, err)
	var ferr *errors.FatalError
	assert.ErrorAs(t, err, &ferr)

	// An uncapped entry before the tail is also corrupt.
	_, err = l.LineageEvents(ctx, run.ID, []store.LineageEntry{
		{BranchID: "b1"},
		{BranchID: "b2"},
	})
	assert.ErrorAs(t, err, &ferr)

	// Cutoffs that decrease along the chain are corrupt.
	early := ids.New()
	late := ids.New()
	_, err = l.LineageEvents(ctx, run.ID, []store.LineageEntry{
		{BranchID: "b1", CutoffEventID: &late},
		{BranchID: "b2", CutoffEventID: &early},
		{BranchID: "b3"},
	})
	assert.ErrorAs(t, err, &ferr)

	_, err = l.LineageEvents(ctx, run.ID, nil)
	assert.ErrorAs(t, err, &ferr)
}

func TestDisjointBranchesHaveDisjointEvents(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLog(t)
	run := seedRun(t, st)
	root := run.CurrentBranchID

	cutoff, err := l.Append(ctx, run.ID, "", "", TypeInteractionResponse, "s1", "m1", nil)
	require.NoError(t, err)

	left, err := l.Fork(ctx, run.ID, root, cutoff)
	require.NoError(t, err)
	onLeft, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s1", "m1",
		map[string]any{"side": "left"})
	require.NoError(t, err)

	right, err := l.Fork(ctx, run.ID, root, cutoff)
	require.NoError(t, err)
	onRight, err := l.Append(ctx, run.ID, "", "", TypeOutputStored, "s1", "m1",
		map[string]any{"side": "right"})
	require.NoError(t, err)

	leftReplay, err := l.LineageEvents(ctx, run.ID, left.Lineage)
	require.NoError(t, err)
	rightReplay, err := l.LineageEvents(ctx, run.ID, right.Lineage)
	require.NoError(t, err)

	assert.Contains(t, eventIDs(leftReplay), onLeft)
	assert.NotContains(t, eventIDs(leftReplay), onRight)
	assert.Contains(t, eventIDs(rightReplay), onRight)
	assert.NotContains(t, eventIDs(rightReplay), onLeft)
}

func eventIDs(evs []*store.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}
