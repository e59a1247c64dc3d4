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

type nodeStore struct{ s *Store }

type nodeRow struct {
	ID            string     `db:"id"`
	Name          string     `db:"name"`
	OwnerID       string     `db:"owner_id"`
	RuntimeKind   string     `db:"runtime_kind"`
	Labels        []byte     `db:"labels"`
	Annotations   []byte     `db:"annotations"`
	Taints        []byte     `db:"taints"`
	Capabilities  []byte     `db:"capabilities"`
	Allocatable   []byte     `db:"allocatable"`
	Allocated     []byte     `db:"allocated"`
	Unschedulable bool       `db:"unschedulable"`
	Status        string     `db:"status"`
	ConnectionID  *string    `db:"connection_id"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`
	SuspectSince  *time.Time `db:"suspect_since"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func nodeToRow(n *v1alpha1.Node) (*nodeRow, error) {
	row := &nodeRow{
		ID:            n.ID,
		Name:          n.Name,
		OwnerID:       n.OwnerID,
		RuntimeKind:   string(n.RuntimeKind),
		Unschedulable: n.Unschedulable,
		Status:        string(n.Status),
		ConnectionID:  n.ConnectionID,
		LastHeartbeat: n.LastHeartbeat,
		SuspectSince:  n.SuspectSince,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
	for _, f := range []struct {
		dst *[]byte
		src interface{}
	}{
		{&row.Labels, orEmptyMap(n.Labels)},
		{&row.Annotations, orEmptyMap(n.Annotations)},
		{&row.Taints, orEmptySlice(n.Taints)},
		{&row.Capabilities, n.Capabilities},
		{&row.Allocatable, orEmptyResources(n.Allocatable)},
		{&row.Allocated, orEmptyResources(n.Allocated)},
	} {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = data
	}
	return row, nil
}

func nodeFromRow(row *nodeRow) (*v1alpha1.Node, error) {
	n := &v1alpha1.Node{
		ID:            row.ID,
		Name:          row.Name,
		OwnerID:       row.OwnerID,
		RuntimeKind:   v1alpha1.RuntimeKind(row.RuntimeKind),
		Unschedulable: row.Unschedulable,
		Status:        v1alpha1.NodeStatus(row.Status),
		ConnectionID:  row.ConnectionID,
		LastHeartbeat: row.LastHeartbeat,
		SuspectSince:  row.SuspectSince,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	for _, f := range []struct {
		src []byte
		dst interface{}
	}{
		{row.Labels, &n.Labels},
		{row.Annotations, &n.Annotations},
		{row.Taints, &n.Taints},
		{row.Capabilities, &n.Capabilities},
		{row.Allocatable, &n.Allocatable},
		{row.Allocated, &n.Allocated},
	} {
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	return n, nil
}

const nodeColumns = `id, name, owner_id, runtime_kind, labels, annotations, taints, capabilities,
	allocatable, allocated, unschedulable, status, connection_id, last_heartbeat, suspect_since,
	created_at, updated_at`

func (ns *nodeStore) Create(ctx context.Context, node *v1alpha1.Node) (*v1alpha1.Node, error) {
	n := *node
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := ns.s.clock.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	row, err := nodeToRow(&n)
	if err != nil {
		return nil, storeErr(err, "encoding node")
	}
	_, err = ns.s.db.NamedExecContext(ctx, `INSERT INTO nodes (`+nodeColumns+`) VALUES
		(:id, :name, :owner_id, :runtime_kind, :labels, :annotations, :taints, :capabilities,
		 :allocatable, :allocated, :unschedulable, :status, :connection_id, :last_heartbeat,
		 :suspect_since, :created_at, :updated_at)`, row)
	if err != nil {
		return nil, storeErr(err, "creating node")
	}
	return &n, nil
}

func (ns *nodeStore) Get(ctx context.Context, id string) (*v1alpha1.Node, error) {
	row := nodeRow{}
	if err := ns.s.db.GetContext(ctx, &row, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id); err != nil {
		return nil, storeErr(err, "getting node")
	}
	n, err := nodeFromRow(&row)
	return n, storeErr(err, "decoding node")
}

func (ns *nodeStore) GetByName(ctx context.Context, name string) (*v1alpha1.Node, error) {
	row := nodeRow{}
	if err := ns.s.db.GetContext(ctx, &row, `SELECT `+nodeColumns+` FROM nodes WHERE name = $1`, name); err != nil {
		return nil, storeErr(err, "getting node by name")
	}
	n, err := nodeFromRow(&row)
	return n, storeErr(err, "decoding node")
}

func (ns *nodeStore) List(ctx context.Context, filter store.NodeFilter) ([]*v1alpha1.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1=1`
	args := []interface{}{}
	if len(filter.Statuses) > 0 {
		query += ` AND status = ANY($1)`
		args = append(args, lo.Map(filter.Statuses, func(s v1alpha1.NodeStatus, _ int) string { return string(s) }))
	}
	if filter.RuntimeKind != "" {
		query += ` AND runtime_kind = $` + itoa(len(args)+1)
		args = append(args, string(filter.RuntimeKind))
	}
	query += ` ORDER BY name`

	rows := []nodeRow{}
	if err := ns.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr(err, "listing nodes")
	}
	nodes := make([]*v1alpha1.Node, 0, len(rows))
	for i := range rows {
		n, err := nodeFromRow(&rows[i])
		if err != nil {
			return nil, storeErr(err, "decoding node")
		}
		if filter.Selector != nil && !filter.Selector.Matches(labels.Set(n.Labels)) {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (ns *nodeStore) Update(ctx context.Context, node *v1alpha1.Node) (*v1alpha1.Node, error) {
	n := *node
	n.UpdatedAt = ns.s.clock.Now().UTC()
	row, err := nodeToRow(&n)
	if err != nil {
		return nil, storeErr(err, "encoding node")
	}
	res, err := ns.s.db.NamedExecContext(ctx, `UPDATE nodes SET
		name = :name, runtime_kind = :runtime_kind, labels = :labels, annotations = :annotations,
		taints = :taints, capabilities = :capabilities, allocatable = :allocatable,
		allocated = :allocated, unschedulable = :unschedulable, status = :status,
		connection_id = :connection_id, last_heartbeat = :last_heartbeat,
		suspect_since = :suspect_since, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return nil, storeErr(err, "updating node")
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return nil, storeErr(errNoRows, "updating node")
	}
	return &n, nil
}

// Delete removes a node and every pod bound to it in one transaction, so a
// crash between the two statements can never leave pod rows pointing at a
// node that no longer exists.
func (ns *nodeStore) Delete(ctx context.Context, id string) error {
	tx, err := ns.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(err, "deleting node")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM pods WHERE node_id = $1`, id); err != nil {
		return storeErr(err, "deleting node pods")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return storeErr(err, "deleting node")
	}
	return storeErr(tx.Commit(), "deleting node")
}
