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

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

type serviceStore struct{ s *Store }

type serviceRow struct {
	ID                    string     `db:"id"`
	Name                  string     `db:"name"`
	Namespace             string     `db:"namespace"`
	OwnerID               string     `db:"owner_id"`
	PackID                string     `db:"pack_id"`
	PackName              string     `db:"pack_name"`
	PackVersion           string     `db:"pack_version"`
	FollowLatest          bool       `db:"follow_latest"`
	Replicas              int        `db:"replicas"`
	NodeSelector          []byte     `db:"node_selector"`
	Affinity              []byte     `db:"affinity"`
	Tolerations           []byte     `db:"tolerations"`
	Requests              []byte     `db:"requests"`
	Limits                []byte     `db:"limits"`
	Labels                []byte     `db:"labels"`
	Annotations           []byte     `db:"annotations"`
	Priority              int        `db:"priority"`
	Status                string     `db:"status"`
	ReadyReplicas         int        `db:"ready_replicas"`
	AvailableReplicas     int        `db:"available_replicas"`
	TotalReplicas         int        `db:"total_replicas"`
	ConsecutiveFailures   int        `db:"consecutive_failures"`
	FailedVersion         string     `db:"failed_version"`
	FailureBackoffUntil   *time.Time `db:"failure_backoff_until"`
	LastSuccessfulVersion string     `db:"last_successful_version"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

func serviceToRow(svc *v1alpha1.Service) (*serviceRow, error) {
	row := &serviceRow{
		ID:                    svc.ID,
		Name:                  svc.Name,
		Namespace:             svc.Namespace,
		OwnerID:               svc.OwnerID,
		PackID:                svc.PackID,
		PackName:              svc.PackName,
		PackVersion:           svc.PackVersion,
		FollowLatest:          svc.FollowLatest,
		Replicas:              svc.Replicas,
		Priority:              svc.Priority,
		Status:                string(svc.Status),
		ReadyReplicas:         svc.ReadyReplicas,
		AvailableReplicas:     svc.AvailableReplicas,
		TotalReplicas:         svc.TotalReplicas,
		ConsecutiveFailures:   svc.ConsecutiveFailures,
		FailedVersion:         svc.FailedVersion,
		FailureBackoffUntil:   svc.FailureBackoffUntil,
		LastSuccessfulVersion: svc.LastSuccessfulVersion,
		CreatedAt:             svc.CreatedAt,
		UpdatedAt:             svc.UpdatedAt,
	}
	for _, f := range []struct {
		dst *[]byte
		src interface{}
	}{
		{&row.NodeSelector, orEmptyMap(svc.NodeSelector)},
		{&row.Affinity, svc.Affinity},
		{&row.Tolerations, orEmptySlice(svc.Tolerations)},
		{&row.Requests, orEmptyResources(svc.Requests)},
		{&row.Limits, orEmptyResources(svc.Limits)},
		{&row.Labels, orEmptyMap(svc.Labels)},
		{&row.Annotations, orEmptyMap(svc.Annotations)},
	} {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = data
	}
	return row, nil
}

func serviceFromRow(row *serviceRow) (*v1alpha1.Service, error) {
	svc := &v1alpha1.Service{
		ID:                    row.ID,
		Name:                  row.Name,
		Namespace:             row.Namespace,
		OwnerID:               row.OwnerID,
		PackID:                row.PackID,
		PackName:              row.PackName,
		PackVersion:           row.PackVersion,
		FollowLatest:          row.FollowLatest,
		Replicas:              row.Replicas,
		Priority:              row.Priority,
		Status:                v1alpha1.ServiceStatus(row.Status),
		ReadyReplicas:         row.ReadyReplicas,
		AvailableReplicas:     row.AvailableReplicas,
		TotalReplicas:         row.TotalReplicas,
		ConsecutiveFailures:   row.ConsecutiveFailures,
		FailedVersion:         row.FailedVersion,
		FailureBackoffUntil:   row.FailureBackoffUntil,
		LastSuccessfulVersion: row.LastSuccessfulVersion,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
	for _, f := range []struct {
		src []byte
		dst interface{}
	}{
		{row.NodeSelector, &svc.NodeSelector},
		{row.Tolerations, &svc.Tolerations},
		{row.Requests, &svc.Requests},
		{row.Limits, &svc.Limits},
		{row.Labels, &svc.Labels},
		{row.Annotations, &svc.Annotations},
	} {
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	if len(row.Affinity) > 0 && string(row.Affinity) != "null" {
		if err := json.Unmarshal(row.Affinity, &svc.Affinity); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

const serviceColumns = `id, name, namespace, owner_id, pack_id, pack_name, pack_version, follow_latest,
	replicas, node_selector, affinity, tolerations, requests, limits, labels, annotations, priority,
	status, ready_replicas, available_replicas, total_replicas, consecutive_failures, failed_version,
	failure_backoff_until, last_successful_version, created_at, updated_at`

func (ss *serviceStore) Create(ctx context.Context, service *v1alpha1.Service) (*v1alpha1.Service, error) {
	svc := *service
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if svc.Namespace == "" {
		svc.Namespace = v1alpha1.DefaultNamespace
	}
	if svc.Status == "" {
		svc.Status = v1alpha1.ServiceActive
	}
	now := ss.s.clock.Now().UTC()
	svc.CreatedAt, svc.UpdatedAt = now, now
	row, err := serviceToRow(&svc)
	if err != nil {
		return nil, storeErr(err, "encoding service")
	}
	_, err = ss.s.db.NamedExecContext(ctx, `INSERT INTO services (`+serviceColumns+`) VALUES
		(:id, :name, :namespace, :owner_id, :pack_id, :pack_name, :pack_version, :follow_latest,
		 :replicas, :node_selector, :affinity, :tolerations, :requests, :limits, :labels,
		 :annotations, :priority, :status, :ready_replicas, :available_replicas, :total_replicas,
		 :consecutive_failures, :failed_version, :failure_backoff_until, :last_successful_version,
		 :created_at, :updated_at)`, row)
	if err != nil {
		return nil, storeErr(err, "creating service")
	}
	return &svc, nil
}

func (ss *serviceStore) Get(ctx context.Context, id string) (*v1alpha1.Service, error) {
	row := serviceRow{}
	if err := ss.s.db.GetContext(ctx, &row, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id); err != nil {
		return nil, storeErr(err, "getting service")
	}
	svc, err := serviceFromRow(&row)
	return svc, storeErr(err, "decoding service")
}

func (ss *serviceStore) GetByName(ctx context.Context, namespace, name string) (*v1alpha1.Service, error) {
	row := serviceRow{}
	if err := ss.s.db.GetContext(ctx, &row,
		`SELECT `+serviceColumns+` FROM services WHERE namespace = $1 AND name = $2`, namespace, name); err != nil {
		return nil, storeErr(err, "getting service by name")
	}
	svc, err := serviceFromRow(&row)
	return svc, storeErr(err, "decoding service")
}

func (ss *serviceStore) List(ctx context.Context, filter store.ServiceFilter) ([]*v1alpha1.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE 1=1`
	args := []interface{}{}
	if filter.Namespace != "" {
		query += ` AND namespace = $1`
		args = append(args, filter.Namespace)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status = ANY($` + itoa(len(args)+1) + `)`
		args = append(args, lo.Map(filter.Statuses, func(s v1alpha1.ServiceStatus, _ int) string { return string(s) }))
	}
	query += ` ORDER BY namespace, name`

	rows := []serviceRow{}
	if err := ss.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr(err, "listing services")
	}
	services := make([]*v1alpha1.Service, 0, len(rows))
	for i := range rows {
		svc, err := serviceFromRow(&rows[i])
		if err != nil {
			return nil, storeErr(err, "decoding service")
		}
		services = append(services, svc)
	}
	return services, nil
}

func (ss *serviceStore) Update(ctx context.Context, service *v1alpha1.Service) (*v1alpha1.Service, error) {
	svc := *service
	svc.UpdatedAt = ss.s.clock.Now().UTC()
	row, err := serviceToRow(&svc)
	if err != nil {
		return nil, storeErr(err, "encoding service")
	}
	res, err := ss.s.db.NamedExecContext(ctx, `UPDATE services SET
		name = :name, namespace = :namespace, pack_id = :pack_id, pack_name = :pack_name,
		pack_version = :pack_version, follow_latest = :follow_latest, replicas = :replicas,
		node_selector = :node_selector, affinity = :affinity, tolerations = :tolerations,
		requests = :requests, limits = :limits, labels = :labels, annotations = :annotations,
		priority = :priority, status = :status, ready_replicas = :ready_replicas,
		available_replicas = :available_replicas, total_replicas = :total_replicas,
		consecutive_failures = :consecutive_failures, failed_version = :failed_version,
		failure_backoff_until = :failure_backoff_until,
		last_successful_version = :last_successful_version, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return nil, storeErr(err, "updating service")
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return nil, storeErr(errNoRows, "updating service")
	}
	return &svc, nil
}

func (ss *serviceStore) Delete(ctx context.Context, id string) error {
	_, err := ss.s.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, id)
	return storeErr(err, "deleting service")
}
