// Package store persists the pipeline's durable records: jobs, datasets,
// findings, audit entries, and notifications.
//
// All state lives in Redis and is written under transactions scoped to a
// single stage transition. Status transitions are guarded: a write whose
// source state has already advanced is a no-op, which makes re-execution of
// an attempt idempotent.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/veil/types"
)

// auditRetention bounds the global audit list.
const auditRetention = 10000

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the Redis-backed record store.
type Store struct {
	client *redis.Client
	ns     string
	now    func() time.Time
}

// New creates a store on an existing Redis client. namespace defaults to
// "veil".
func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "veil"
	}
	return &Store{client: client, ns: namespace, now: time.Now}
}

func (s *Store) keyJob(id string) string          { return fmt.Sprintf("%s:job:%s", s.ns, id) }
func (s *Store) keyDataset(id string) string      { return fmt.Sprintf("%s:dataset:%s", s.ns, id) }
func (s *Store) keyDatasetJobs(id string) string  { return fmt.Sprintf("%s:dataset:%s:jobs", s.ns, id) }
func (s *Store) keyFindings(id string) string     { return fmt.Sprintf("%s:dataset:%s:findings", s.ns, id) }
func (s *Store) keyAudit() string                 { return fmt.Sprintf("%s:audit", s.ns) }
func (s *Store) keyNotifications(u string) string { return fmt.Sprintf("%s:user:%s:notifications", s.ns, u) }
func (s *Store) keyPolicy(id string) string       { return fmt.Sprintf("%s:policy:%s", s.ns, id) }

// --- Jobs ---

// PutJob writes a job record unconditionally.
func (s *Store) PutJob(ctx context.Context, job *types.Job) error {
	b, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("store: marshal job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyJob(job.ID), b, 0)
	pipe.SAdd(ctx, s.keyDatasetJobs(job.DatasetID), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: put job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads a job record.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	b, err := s.client.Get(ctx, s.keyJob(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	var job types.Job
	if err := msgpack.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("store: unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// TransitionJob applies mutate to the job iff its current status is one of
// from. Returns false without writing when the guard fails: the transition
// has already occurred or the job moved elsewhere. Terminal jobs are never
// mutated.
func (s *Store) TransitionJob(ctx context.Context, id string, from []types.JobStatus, mutate func(*types.Job)) (bool, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return false, err
	}

	allowed := false
	for _, f := range from {
		if job.Status == f {
			allowed = true
			break
		}
	}
	if !allowed || job.Status.IsTerminal() {
		return false, nil
	}

	mutate(job)
	if err := s.PutJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateJobProgress advances a running job's progress. Progress is
// monotonic: a lower value is a no-op.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.TransitionJob(ctx, id, []types.JobStatus{types.JobStatusRunning}, func(j *types.Job) {
		if progress > j.Progress {
			j.Progress = progress
		}
	})
	return err
}

// ListDatasetJobs returns all jobs of a dataset ordered by StartedAt
// (unstarted jobs last, by CreatedAt).
func (s *Store) ListDatasetJobs(ctx context.Context, datasetID string) ([]*types.Job, error) {
	ids, err := s.client.SMembers(ctx, s.keyDatasetJobs(datasetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: dataset jobs %s: %w", datasetID, err)
	}
	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		switch {
		case a.StartedAt != nil && b.StartedAt != nil:
			return a.StartedAt.Before(*b.StartedAt)
		case a.StartedAt != nil:
			return true
		case b.StartedAt != nil:
			return false
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
	return jobs, nil
}

// HasActiveSibling reports whether the dataset has a non-terminal job other
// than excludeJobID. Used to decide whether a failed job fails the dataset.
func (s *Store) HasActiveSibling(ctx context.Context, datasetID, excludeJobID string) (bool, error) {
	jobs, err := s.ListDatasetJobs(ctx, datasetID)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.ID != excludeJobID && !j.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// --- Datasets ---

// PutDataset writes a dataset record unconditionally.
func (s *Store) PutDataset(ctx context.Context, d *types.Dataset) error {
	d.UpdatedAt = s.now().UTC()
	b, err := msgpack.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal dataset: %w", err)
	}
	if err := s.client.Set(ctx, s.keyDataset(d.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("store: put dataset %s: %w", d.ID, err)
	}
	return nil
}

// GetDataset loads a dataset record.
func (s *Store) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	b, err := s.client.Get(ctx, s.keyDataset(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dataset %s: %w", id, err)
	}
	var d types.Dataset
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("store: unmarshal dataset %s: %w", id, err)
	}
	return &d, nil
}

// TransitionDataset advances the dataset status. Transitions that do not
// advance (per DatasetStatus.CanAdvanceTo) are no-ops returning false, which
// keeps re-executed attempts idempotent and absorbs Failed/Cancelled.
// mutate, when non-nil, runs on the record before the write.
func (s *Store) TransitionDataset(ctx context.Context, id string, to types.DatasetStatus, mutate func(*types.Dataset)) (bool, error) {
	d, err := s.GetDataset(ctx, id)
	if err != nil {
		return false, err
	}
	if !d.Status.CanAdvanceTo(to) {
		return false, nil
	}
	d.Status = to
	if mutate != nil {
		mutate(d)
	}
	if err := s.PutDataset(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// ResetDatasetPending resets a Failed dataset to Pending for retry. Datasets
// in any other state are left alone and false is returned.
func (s *Store) ResetDatasetPending(ctx context.Context, id string) (bool, error) {
	d, err := s.GetDataset(ctx, id)
	if err != nil {
		return false, err
	}
	if d.Status != types.DatasetStatusFailed {
		return false, nil
	}
	d.Status = types.DatasetStatusPending
	if err := s.PutDataset(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// --- Findings ---

// PutFindings persists the findings of one analysis attempt, replacing any
// prior findings of the dataset in a single transaction. Replacement keyed
// by (datasetId, attemptId, start, end, entityType) makes re-execution of an
// attempt yield identical persisted state.
func (s *Store) PutFindings(ctx context.Context, datasetID string, findings []types.Finding) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyFindings(datasetID))
	if len(findings) > 0 {
		fields := make([]any, 0, len(findings)*2)
		for i := range findings {
			b, err := msgpack.Marshal(&findings[i])
			if err != nil {
				return fmt.Errorf("store: marshal finding: %w", err)
			}
			fields = append(fields, findings[i].Key(), b)
		}
		pipe.HSet(ctx, s.keyFindings(datasetID), fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: put findings %s: %w", datasetID, err)
	}
	return nil
}

// ListFindings returns the findings of a dataset in ascending (start, end)
// order.
func (s *Store) ListFindings(ctx context.Context, datasetID string) ([]types.Finding, error) {
	vals, err := s.client.HVals(ctx, s.keyFindings(datasetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: findings %s: %w", datasetID, err)
	}
	findings := make([]types.Finding, 0, len(vals))
	for _, v := range vals {
		var f types.Finding
		if err := msgpack.Unmarshal([]byte(v), &f); err != nil {
			return nil, fmt.Errorf("store: unmarshal finding: %w", err)
		}
		findings = append(findings, f)
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Less(&findings[j]) })
	return findings, nil
}

// --- Audit ---

// AppendAudit records one stage transition in the audit log.
func (s *Store) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	b, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("store: marshal audit: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.keyAudit(), b)
	pipe.LTrim(ctx, s.keyAudit(), 0, auditRetention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// ListAudit returns the n most recent audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, n int64) ([]types.AuditEntry, error) {
	if n <= 0 {
		n = 100
	}
	vals, err := s.client.LRange(ctx, s.keyAudit(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: audit list: %w", err)
	}
	entries := make([]types.AuditEntry, 0, len(vals))
	for _, v := range vals {
		var e types.AuditEntry
		if err := msgpack.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("store: unmarshal audit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// --- Notifications ---

// PutNotification persists a notification record. Persisted before fan-out
// publish so a missed push can be recovered by a subsequent pull.
func (s *Store) PutNotification(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	b, err := msgpack.Marshal(n)
	if err != nil {
		return fmt.Errorf("store: marshal notification: %w", err)
	}
	err = s.client.ZAdd(ctx, s.keyNotifications(n.UserID), redis.Z{
		Score:  float64(n.CreatedAt.UnixMilli()),
		Member: b,
	}).Err()
	if err != nil {
		return fmt.Errorf("store: put notification: %w", err)
	}
	return nil
}

// ListNotifications returns the n most recent notifications for a user,
// newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, n int64) ([]types.Notification, error) {
	if n <= 0 {
		n = 100
	}
	vals, err := s.client.ZRevRange(ctx, s.keyNotifications(userID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: notifications %s: %w", userID, err)
	}
	out := make([]types.Notification, 0, len(vals))
	for _, v := range vals {
		var rec types.Notification
		if err := msgpack.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("store: unmarshal notification: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CleanupNotifications deletes a user's notifications older than maxAge.
// Returns the number removed.
func (s *Store) CleanupNotifications(ctx context.Context, userID string, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	n, err := s.client.ZRemRangeByScore(ctx, s.keyNotifications(userID),
		"-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup notifications %s: %w", userID, err)
	}
	return n, nil
}

// --- Policies ---

// PutPolicyDocument stores a raw policy document under an id.
func (s *Store) PutPolicyDocument(ctx context.Context, id string, doc []byte) error {
	if err := s.client.Set(ctx, s.keyPolicy(id), doc, 0).Err(); err != nil {
		return fmt.Errorf("store: put policy %s: %w", id, err)
	}
	return nil
}

// GetPolicyDocument loads a raw policy document. Returns ErrNotFound for an
// unknown id; the policy engine substitutes the default policy.
func (s *Store) GetPolicyDocument(ctx context.Context, id string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.keyPolicy(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get policy %s: %w", id, err)
	}
	return b, nil
}
