/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

type podStore struct{ s *Store }

type podRow struct {
	ID                string     `db:"id"`
	ServiceID         string     `db:"service_id"`
	Incarnation       int64      `db:"incarnation"`
	Namespace         string     `db:"namespace"`
	PackID            string     `db:"pack_id"`
	PackName          string     `db:"pack_name"`
	PackVersion       string     `db:"pack_version"`
	NodeID            *string    `db:"node_id"`
	Status            string     `db:"status"`
	TerminationReason string     `db:"termination_reason"`
	Message           string     `db:"message"`
	Labels            []byte     `db:"labels"`
	Annotations       []byte     `db:"annotations"`
	NodeSelector      []byte     `db:"node_selector"`
	Affinity          []byte     `db:"affinity"`
	Tolerations       []byte     `db:"tolerations"`
	Requests          []byte     `db:"requests"`
	Limits            []byte     `db:"limits"`
	Priority          int        `db:"priority"`
	ScheduledAt       *time.Time `db:"scheduled_at"`
	StartedAt         *time.Time `db:"started_at"`
	StoppedAt         *time.Time `db:"stopped_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func podToRow(p *v1alpha1.Pod) (*podRow, error) {
	row := &podRow{
		ID:                p.ID,
		ServiceID:         p.ServiceID,
		Incarnation:       p.Incarnation,
		Namespace:         p.Namespace,
		PackID:            p.PackID,
		PackName:          p.PackName,
		PackVersion:       p.PackVersion,
		NodeID:            p.NodeID,
		Status:            string(p.Status),
		TerminationReason: string(p.TerminationReason),
		Message:           p.Message,
		Priority:          p.Priority,
		ScheduledAt:       p.ScheduledAt,
		StartedAt:         p.StartedAt,
		StoppedAt:         p.StoppedAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	for _, f := range []struct {
		dst *[]byte
		src interface{}
	}{
		{&row.Labels, orEmptyMap(p.Labels)},
		{&row.Annotations, orEmptyMap(p.Annotations)},
		{&row.NodeSelector, orEmptyMap(p.NodeSelector)},
		{&row.Affinity, p.Affinity},
		{&row.Tolerations, orEmptySlice(p.Tolerations)},
		{&row.Requests, orEmptyResources(p.Requests)},
		{&row.Limits, orEmptyResources(p.Limits)},
	} {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = data
	}
	return row, nil
}

func podFromRow(row *podRow) (*v1alpha1.Pod, error) {
	p := &v1alpha1.Pod{
		ID:                row.ID,
		ServiceID:         row.ServiceID,
		Incarnation:       row.Incarnation,
		Namespace:         row.Namespace,
		PackID:            row.PackID,
		PackName:          row.PackName,
		PackVersion:       row.PackVersion,
		NodeID:            row.NodeID,
		Status:            v1alpha1.PodStatus(row.Status),
		TerminationReason: v1alpha1.TerminationReason(row.TerminationReason),
		Message:           row.Message,
		Priority:          row.Priority,
		ScheduledAt:       row.ScheduledAt,
		StartedAt:         row.StartedAt,
		StoppedAt:         row.StoppedAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	for _, f := range []struct {
		src []byte
		dst interface{}
	}{
		{row.Labels, &p.Labels},
		{row.Annotations, &p.Annotations},
		{row.NodeSelector, &p.NodeSelector},
		{row.Tolerations, &p.Tolerations},
		{row.Requests, &p.Requests},
		{row.Limits, &p.Limits},
	} {
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	if len(row.Affinity) > 0 && string(row.Affinity) != "null" {
		if err := json.Unmarshal(row.Affinity, &p.Affinity); err != nil {
			return nil, err
		}
	}
	return p, nil
}

const podColumns = `id, service_id, incarnation, namespace, pack_id, pack_name, pack_version, node_id,
	status, termination_reason, message, labels, annotations, node_selector, affinity, tolerations,
	requests, limits, priority, scheduled_at, started_at, stopped_at, created_at, updated_at`

// Create allocates the pod's incarnation inside the insert transaction. The
// unique (service_id, incarnation) constraint backs up the max+1 subquery:
// two racing inserts cannot both commit the same incarnation.
func (ps *podStore) Create(ctx context.Context, pod *v1alpha1.Pod) (*v1alpha1.Pod, error) {
	p := *pod
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Namespace == "" {
		p.Namespace = v1alpha1.DefaultNamespace
	}
	if p.Status == "" {
		p.Status = v1alpha1.PodPending
	}
	now := ps.s.clock.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	row, err := podToRow(&p)
	if err != nil {
		return nil, storeErr(err, "encoding pod")
	}

	tx, err := ps.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "creating pod")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := tx.GetContext(ctx, &p.Incarnation,
		`SELECT COALESCE(MAX(incarnation), 0) + 1 FROM pods WHERE service_id = $1`, p.ServiceID); err != nil {
		return nil, storeErr(err, "allocating incarnation")
	}
	row.Incarnation = p.Incarnation
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO pods (`+podColumns+`) VALUES
		(:id, :service_id, :incarnation, :namespace, :pack_id, :pack_name, :pack_version, :node_id,
		 :status, :termination_reason, :message, :labels, :annotations, :node_selector, :affinity,
		 :tolerations, :requests, :limits, :priority, :scheduled_at, :started_at, :stopped_at,
		 :created_at, :updated_at)`, row); err != nil {
		return nil, storeErr(err, "creating pod")
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "creating pod")
	}
	return &p, nil
}

func (ps *podStore) Get(ctx context.Context, id string) (*v1alpha1.Pod, error) {
	row := podRow{}
	if err := ps.s.db.GetContext(ctx, &row, `SELECT `+podColumns+` FROM pods WHERE id = $1`, id); err != nil {
		return nil, storeErr(err, "getting pod")
	}
	p, err := podFromRow(&row)
	return p, storeErr(err, "decoding pod")
}

func (ps *podStore) List(ctx context.Context, filter store.PodFilter) ([]*v1alpha1.Pod, error) {
	query := `SELECT ` + podColumns + ` FROM pods WHERE 1=1`
	args := []interface{}{}
	if filter.ServiceID != "" {
		query += ` AND service_id = $` + itoa(len(args)+1)
		args = append(args, filter.ServiceID)
	}
	if filter.NodeID != "" {
		query += ` AND node_id = $` + itoa(len(args)+1)
		args = append(args, filter.NodeID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status = ANY($` + itoa(len(args)+1) + `)`
		args = append(args, lo.Map(filter.Statuses, func(s v1alpha1.PodStatus, _ int) string { return string(s) }))
	}
	query += ` ORDER BY created_at`

	rows := []podRow{}
	if err := ps.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr(err, "listing pods")
	}
	pods := make([]*v1alpha1.Pod, 0, len(rows))
	for i := range rows {
		p, err := podFromRow(&rows[i])
		if err != nil {
			return nil, storeErr(err, "decoding pod")
		}
		if filter.Selector != nil && !filter.Selector.Matches(labels.Set(p.Labels)) {
			continue
		}
		pods = append(pods, p)
	}
	return pods, nil
}

func (ps *podStore) Update(ctx context.Context, pod *v1alpha1.Pod) (*v1alpha1.Pod, error) {
	p := *pod
	p.UpdatedAt = ps.s.clock.Now().UTC()
	row, err := podToRow(&p)
	if err != nil {
		return nil, storeErr(err, "encoding pod")
	}
	res, err := ps.s.db.NamedExecContext(ctx, `UPDATE pods SET
		node_id = :node_id, status = :status, termination_reason = :termination_reason,
		message = :message, labels = :labels, annotations = :annotations,
		node_selector = :node_selector, affinity = :affinity, tolerations = :tolerations,
		requests = :requests, limits = :limits, priority = :priority,
		scheduled_at = :scheduled_at, started_at = :started_at, stopped_at = :stopped_at,
		updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return nil, storeErr(err, "updating pod")
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return nil, storeErr(errNoRows, "updating pod")
	}
	return &p, nil
}

func (ps *podStore) Delete(ctx context.Context, id string) error {
	_, err := ps.s.db.ExecContext(ctx, `DELETE FROM pods WHERE id = $1`, id)
	return storeErr(err, "deleting pod")
}
