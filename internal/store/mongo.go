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

package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/tombee/ensemble/pkg/errors"
)

// Collection names. One collection per document kind.
const (
	collUsers        = "users"
	collTemplates    = "workflow_templates"
	collVersions     = "workflow_versions"
	collRuns         = "workflow_runs"
	collBranches     = "branches"
	collEvents       = "events"
	collFiles        = "workflow_files"
	collTasks        = "queue_tasks"
	collGenerations  = "generations"
	collContentItems = "content_items"
	collCounters     = "counters"
)

// Mongo is the MongoDB-backed Store used by durable deployments.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ Store = (*Mongo)(nil)

// NewMongo connects to the given URI, selects the database, and ensures
// the unique indexes the data model relies on.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, &errors.ConfigError{Key: "mongo", Reason: "storage URI is required"}
	}
	if database == "" {
		return nil, &errors.ConfigError{Key: "db", Reason: "database name is required"}
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongodb")
	}

	m := &Mongo{client: client, db: client.Database(database)}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ensuring indexes")
	}
	return m, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Ping verifies the primary is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collTemplates: {{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "template_name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		collVersions: {{
			Keys:    bson.D{{Key: "template_id", Value: 1}, {Key: "content_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		}, {
			Keys: bson.D{{Key: "parent_workflow_version_id", Value: 1}},
		}},
		collEvents: {{
			Keys: bson.D{{Key: "workflow_run_id", Value: 1}, {Key: "branch_id", Value: 1}},
		}, {
			Keys: bson.D{{Key: "workflow_run_id", Value: 1}, {Key: "timestamp", Value: 1}},
		}},
		collFiles: {{
			Keys: bson.D{
				{Key: "workflow_run_id", Value: 1}, {Key: "branch_id", Value: 1},
				{Key: "category", Value: 1}, {Key: "group_id", Value: 1}, {Key: "filename", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		}},
		collTasks: {{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "concurrency_group", Value: 1}, {Key: "created_at", Value: 1}},
		}},
		collCounters: {{
			Keys:    bson.D{{Key: "template_id", Value: 1}, {Key: "scope", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}

	for coll, models := range indexes {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "creating indexes on %s", coll)
		}
	}
	return nil
}

// mapErr converts driver errors to the store sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	default:
		return err
	}
}

func insertOne[T any](ctx context.Context, coll *mongo.Collection, doc *T) error {
	_, err := coll.InsertOne(ctx, doc)
	return mapErr(err)
}

func findByID[T any](ctx context.Context, coll *mongo.Collection, id string) (*T, error) {
	var out T
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&out); err != nil {
		return nil, mapErr(err)
	}
	return &out, nil
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.M) (*T, error) {
	var out T
	if err := coll.FindOne(ctx, filter).Decode(&out); err != nil {
		return nil, mapErr(err)
	}
	return &out, nil
}

func findMany[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptionsBuilder) ([]*T, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var out []*T
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateUser stores a new user.
func (m *Mongo) CreateUser(ctx context.Context, u *User) error {
	return insertOne(ctx, m.db.Collection(collUsers), u)
}

// GetUser retrieves a user by id.
func (m *Mongo) GetUser(ctx context.Context, id string) (*User, error) {
	return findByID[User](ctx, m.db.Collection(collUsers), id)
}

// InsertTemplate stores a template; the unique index enforces
// (user_id, template_name).
func (m *Mongo) InsertTemplate(ctx context.Context, t *Template) error {
	return insertOne(ctx, m.db.Collection(collTemplates), t)
}

// GetTemplate retrieves a template by id.
func (m *Mongo) GetTemplate(ctx context.Context, id string) (*Template, error) {
	return findByID[Template](ctx, m.db.Collection(collTemplates), id)
}

// FindTemplate looks up a template by (user_id, name).
func (m *Mongo) FindTemplate(ctx context.Context, userID, name string) (*Template, error) {
	return findOne[Template](ctx, m.db.Collection(collTemplates), bson.M{"user_id": userID, "template_name": name})
}

// InsertVersion stores a version; the unique index enforces
// (template_id, content_hash).
func (m *Mongo) InsertVersion(ctx context.Context, v *Version) error {
	return insertOne(ctx, m.db.Collection(collVersions), v)
}

// GetVersion retrieves a version by id.
func (m *Mongo) GetVersion(ctx context.Context, id string) (*Version, error) {
	return findByID[Version](ctx, m.db.Collection(collVersions), id)
}

// FindVersionByHash looks up a version by (template_id, content_hash).
func (m *Mongo) FindVersionByHash(ctx context.Context, templateID, hash string) (*Version, error) {
	return findOne[Version](ctx, m.db.Collection(collVersions), bson.M{"template_id": templateID, "content_hash": hash})
}

// ListVersionsByParent returns the resolved children of a parent version.
func (m *Mongo) ListVersionsByParent(ctx context.Context, parentID string) ([]*Version, error) {
	return findMany[Version](ctx, m.db.Collection(collVersions),
		bson.M{"parent_workflow_version_id": parentID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// InsertRun stores a new run.
func (m *Mongo) InsertRun(ctx context.Context, r *Run) error {
	return insertOne(ctx, m.db.Collection(collRuns), r)
}

// GetRun retrieves a run by id.
func (m *Mongo) GetRun(ctx context.Context, id string) (*Run, error) {
	return findByID[Run](ctx, m.db.Collection(collRuns), id)
}

// UpdateRun replaces a run document.
func (m *Mongo) UpdateRun(ctx context.Context, r *Run) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := m.db.Collection(collRuns).ReplaceOne(ctx, bson.M{"_id": r.ID}, r)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapRunStatus atomically transitions a run's status with a
// conditional update.
func (m *Mongo) CompareAndSwapRunStatus(ctx context.Context, runID string, from, to RunStatus) (bool, error) {
	res, err := m.db.Collection(collRuns).UpdateOne(ctx,
		bson.M{"_id": runID, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": time.Now().UTC()}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		// Distinguish a lost race from a missing run.
		if _, err := m.GetRun(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// InsertBranch stores a new branch.
func (m *Mongo) InsertBranch(ctx context.Context, b *Branch) error {
	return insertOne(ctx, m.db.Collection(collBranches), b)
}

// GetBranch retrieves a branch by id.
func (m *Mongo) GetBranch(ctx context.Context, id string) (*Branch, error) {
	return findByID[Branch](ctx, m.db.Collection(collBranches), id)
}

// ListBranches returns all branches of a run ordered by branch id.
func (m *Mongo) ListBranches(ctx context.Context, runID string) ([]*Branch, error) {
	return findMany[Branch](ctx, m.db.Collection(collBranches),
		bson.M{"workflow_run_id": runID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// InsertEvent appends an event.
func (m *Mongo) InsertEvent(ctx context.Context, e *Event) error {
	return insertOne(ctx, m.db.Collection(collEvents), e)
}

// FindEvents returns a run's events matching the filter, ascending by
// timestamp.
func (m *Mongo) FindEvents(ctx context.Context, runID string, f EventFilter) ([]*Event, error) {
	filter := bson.M{"workflow_run_id": runID}
	if len(f.Types) == 1 {
		filter["event_type"] = f.Types[0]
	} else if len(f.Types) > 1 {
		filter["event_type"] = bson.M{"$in": f.Types}
	}
	if f.StepID != "" {
		filter["step_id"] = f.StepID
	}
	if f.Module != "" {
		filter["module_name"] = f.Module
	}
	if !f.Since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": f.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	return findMany[Event](ctx, m.db.Collection(collEvents), filter, opts)
}

// FindBranchEvents returns one branch's events with id <= maxEventID,
// ascending by event id.
func (m *Mongo) FindBranchEvents(ctx context.Context, runID, branchID, maxEventID string, types []string) ([]*Event, error) {
	filter := bson.M{"workflow_run_id": runID, "branch_id": branchID}
	if maxEventID != "" {
		filter["_id"] = bson.M{"$lte": maxEventID}
	}
	if len(types) == 1 {
		filter["event_type"] = types[0]
	} else if len(types) > 1 {
		filter["event_type"] = bson.M{"$in": types}
	}
	return findMany[Event](ctx, m.db.Collection(collEvents), filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// DeleteRunEvents removes every event of a run.
func (m *Mongo) DeleteRunEvents(ctx context.Context, runID string) (int64, error) {
	res, err := m.db.Collection(collEvents).DeleteMany(ctx, bson.M{"workflow_run_id": runID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// UpsertFile writes a file keyed by its logical path.
func (m *Mongo) UpsertFile(ctx context.Context, f *File) error {
	_, err := m.db.Collection(collFiles).ReplaceOne(ctx,
		bson.M{
			"workflow_run_id": f.RunID, "branch_id": f.BranchID,
			"category": f.Category, "group_id": f.GroupID, "filename": f.Filename,
		},
		f, options.Replace().SetUpsert(true))
	return mapErr(err)
}

// FindFile looks up a file by its logical path key.
func (m *Mongo) FindFile(ctx context.Context, runID, branchID, category, groupID, filename string) (*File, error) {
	return findOne[File](ctx, m.db.Collection(collFiles), bson.M{
		"workflow_run_id": runID, "branch_id": branchID,
		"category": category, "group_id": groupID, "filename": filename,
	})
}

// ListFiles returns all files for a (run, branch, category).
func (m *Mongo) ListFiles(ctx context.Context, runID, branchID, category string) ([]*File, error) {
	return findMany[File](ctx, m.db.Collection(collFiles),
		bson.M{"workflow_run_id": runID, "branch_id": branchID, "category": category},
		options.Find().SetSort(bson.D{{Key: "filename", Value: 1}}))
}

// InsertTask stores a new queue task.
func (m *Mongo) InsertTask(ctx context.Context, t *Task) error {
	return insertOne(ctx, m.db.Collection(collTasks), t)
}

// GetTask retrieves a task by id.
func (m *Mongo) GetTask(ctx context.Context, id string) (*Task, error) {
	return findByID[Task](ctx, m.db.Collection(collTasks), id)
}

// FindQueuedByGroup returns queued tasks for a group, oldest first.
func (m *Mongo) FindQueuedByGroup(ctx context.Context, group string, limit int) ([]*Task, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	return findMany[Task](ctx, m.db.Collection(collTasks),
		bson.M{"status": TaskStatusQueued, "concurrency_group": group}, opts)
}

// CountProcessing counts tasks currently processing in a group.
func (m *Mongo) CountProcessing(ctx context.Context, group string) (int, error) {
	n, err := m.db.Collection(collTasks).CountDocuments(ctx,
		bson.M{"status": TaskStatusProcessing, "concurrency_group": group})
	return int(n), err
}

// ClaimTask conditionally moves a queued task to processing. The cap
// check and the status transition run in one transaction so the group
// invariant holds even with multiple worker processes polling the same
// group. A full group or a lost race returns nil without mutating
// anything.
func (m *Mongo) ClaimTask(ctx context.Context, taskID, workerID, group string, maxConcurrent int, now time.Time) (*Task, error) {
	sess, err := m.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		processing, err := m.CountProcessing(ctx, group)
		if err != nil {
			return nil, err
		}
		if processing >= maxConcurrent {
			return nil, nil
		}

		claimed := now.UTC()
		var t Task
		err = m.db.Collection(collTasks).FindOneAndUpdate(ctx,
			bson.M{"_id": taskID, "status": TaskStatusQueued},
			bson.M{"$set": bson.M{
				"status":       TaskStatusProcessing,
				"worker_id":    workerID,
				"claimed_at":   claimed,
				"heartbeat_at": claimed,
			}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&t)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// Task is gone or no longer queued; not an error.
				return nil, nil
			}
			return nil, err
		}
		return &t, nil
	})
	if err != nil {
		return nil, err
	}
	task, _ := out.(*Task)
	return task, nil
}

// UpdateTaskHeartbeat refreshes a task's heartbeat time.
func (m *Mongo) UpdateTaskHeartbeat(ctx context.Context, taskID string, at time.Time) error {
	res, err := m.db.Collection(collTasks).UpdateOne(ctx,
		bson.M{"_id": taskID},
		bson.M{"$set": bson.M{"heartbeat_at": at.UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskProgress records a progress report on a task.
func (m *Mongo) UpdateTaskProgress(ctx context.Context, taskID string, p *TaskProgress) error {
	res, err := m.db.Collection(collTasks).UpdateOne(ctx,
		bson.M{"_id": taskID},
		bson.M{"$set": bson.M{"progress": p}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask marks a task completed with its result.
func (m *Mongo) CompleteTask(ctx context.Context, taskID string, result map[string]any) error {
	res, err := m.db.Collection(collTasks).UpdateOne(ctx,
		bson.M{"_id": taskID},
		bson.M{"$set": bson.M{"status": TaskStatusCompleted, "result": result}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask marks a task failed with its error classification.
func (m *Mongo) FailTask(ctx context.Context, taskID string, terr *TaskError) error {
	res, err := m.db.Collection(collTasks).UpdateOne(ctx,
		bson.M{"_id": taskID},
		bson.M{"$set": bson.M{"status": TaskStatusFailed, "error": terr}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStaleTasks moves processing tasks with lapsed heartbeats back to
// queued in one bulk update.
func (m *Mongo) RecoverStaleTasks(ctx context.Context, threshold time.Time) (int64, error) {
	res, err := m.db.Collection(collTasks).UpdateMany(ctx,
		bson.M{"status": TaskStatusProcessing, "heartbeat_at": bson.M{"$lt": threshold.UTC()}},
		bson.M{
			"$set":   bson.M{"status": TaskStatusQueued},
			"$unset": bson.M{"worker_id": "", "claimed_at": "", "heartbeat_at": ""},
		})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// InsertGeneration stores a generation record.
func (m *Mongo) InsertGeneration(ctx context.Context, g *Generation) error {
	return insertOne(ctx, m.db.Collection(collGenerations), g)
}

// InsertContentItem stores a content item.
func (m *Mongo) InsertContentItem(ctx context.Context, c *ContentItem) error {
	return insertOne(ctx, m.db.Collection(collContentItems), c)
}

// ListGenerationsByRun returns a run's generations ordered by id.
func (m *Mongo) ListGenerationsByRun(ctx context.Context, runID string) ([]*Generation, error) {
	return findMany[Generation](ctx, m.db.Collection(collGenerations),
		bson.M{"workflow_run_id": runID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// GetContentItem retrieves a content item by id.
func (m *Mongo) GetContentItem(ctx context.Context, id string) (*ContentItem, error) {
	return findByID[ContentItem](ctx, m.db.Collection(collContentItems), id)
}

// IncrCounter increments a template-scoped counter, creating it on first
// use.
func (m *Mongo) IncrCounter(ctx context.Context, templateID, scope, key string, delta int64) error {
	_, err := m.db.Collection(collCounters).UpdateOne(ctx,
		bson.M{"template_id": templateID, "scope": scope, "key": key},
		bson.M{"$inc": bson.M{"count": delta}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// GetCounters returns all counters for a (template, scope).
func (m *Mongo) GetCounters(ctx context.Context, templateID, scope string) (map[string]int64, error) {
	docs, err := findMany[Counter](ctx, m.db.Collection(collCounters),
		bson.M{"template_id": templateID, "scope": scope}, options.Find())
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(docs))
	for _, c := range docs {
		out[c.Key] = c.Count
	}
	return out, nil
}
