// Copyright (C) 2020  Lukas Dietrich <lukas@lukasdietrich.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lukasdietrich/postmeister/internal/models"
)

// memoryMailboxes is an in-memory mailbox.Client with the same idempotency semantics as the
// real store. Setting err makes every operation fail, to exercise retries and parking.
type memoryMailboxes struct {
	mu      sync.Mutex
	records map[string]*models.MailboxEntity
	nextID  int64
	err     error
}

func newMemoryMailboxes() *memoryMailboxes {
	return &memoryMailboxes{records: make(map[string]*models.MailboxEntity)}
}

func (m *memoryMailboxes) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memoryMailboxes) Create(
	_ context.Context,
	subjectID, address, orgUnit string,
	quotaBytes int64,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false, m.err
	}

	if _, ok := m.records[subjectID]; ok {
		return false, nil
	}

	for _, record := range m.records {
		if record.Address == address {
			return false, fmt.Errorf("address %q already taken", address)
		}
	}

	m.nextID++
	m.records[subjectID] = &models.MailboxEntity{
		ID:         m.nextID,
		SubjectID:  subjectID,
		Address:    address,
		OrgUnit:    orgUnit,
		QuotaBytes: quotaBytes,
		State:      models.MailboxActive,
		CreatedAt:  1000,
	}

	return true, nil
}

func (m *memoryMailboxes) SetState(
	_ context.Context,
	address string,
	state models.MailboxState,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	record := m.byAddress(address)
	if record == nil {
		return fmt.Errorf("unknown mailbox %q", address)
	}

	if record.State == state {
		return nil
	}

	record.State = state

	if state == models.MailboxArchived && !record.ArchivedAt.Valid {
		record.ArchivedAt = sql.NullInt64{Int64: 2000, Valid: true}
	}

	return nil
}

func (m *memoryMailboxes) Archive(_ context.Context, address, reason string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}

	record := m.byAddress(address)
	if record == nil {
		return "", fmt.Errorf("unknown mailbox %q", address)
	}

	if record.ArchiveHandle.Valid && record.ArchiveReason.String == reason {
		return record.ArchiveHandle.String, nil
	}

	handle := fmt.Sprintf("handle-%s-%d", reason, record.ID)
	record.ArchiveHandle = sql.NullString{String: handle, Valid: true}
	record.ArchiveReason = sql.NullString{String: reason, Valid: true}

	return handle, nil
}

func (m *memoryMailboxes) Purge(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	record := m.byAddress(address)
	if record == nil || record.State == models.MailboxPurged {
		return nil
	}

	record.State = models.MailboxPurged
	record.ArchiveHandle = sql.NullString{}
	record.ArchiveReason = sql.NullString{}

	return nil
}

func (m *memoryMailboxes) BySubject(
	_ context.Context,
	subjectID string,
) (*models.MailboxEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	record, ok := m.records[subjectID]
	if !ok {
		return nil, nil
	}

	clone := *record
	return &clone, nil
}

func (m *memoryMailboxes) ByAddress(
	_ context.Context,
	address string,
) (*models.MailboxEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	record := m.byAddress(address)
	if record == nil {
		return nil, nil
	}

	clone := *record
	return &clone, nil
}

func (m *memoryMailboxes) ActiveByOrgUnit(
	_ context.Context,
	orgUnit string,
) ([]models.MailboxEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	var records []models.MailboxEntity

	for _, record := range m.records {
		if record.OrgUnit == orgUnit && record.State == models.MailboxActive {
			records = append(records, *record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})

	return records, nil
}

func (m *memoryMailboxes) ArchivedBefore(
	_ context.Context,
	deadline time.Time,
) ([]models.MailboxEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	var records []models.MailboxEntity

	for _, record := range m.records {
		if record.State == models.MailboxArchived &&
			record.ArchivedAt.Valid &&
			record.ArchivedAt.Int64 <= deadline.Unix() {
			records = append(records, *record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})

	return records, nil
}

func (m *memoryMailboxes) byAddress(address string) *models.MailboxEntity {
	for _, record := range m.records {
		if record.Address == address {
			return record
		}
	}

	return nil
}

// memoryAliases is an in-memory alias.Client recording the latest state per alias.
type memoryAliases struct {
	mu      sync.Mutex
	groups  map[string][]string
	unbound []string
}

func newMemoryAliases() *memoryAliases {
	return &memoryAliases{groups: make(map[string][]string)}
}

func (a *memoryAliases) Bind(_ context.Context, alias, memberAddress string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, member := range a.groups[alias] {
		if member == memberAddress {
			return nil
		}
	}

	a.groups[alias] = append(a.groups[alias], memberAddress)
	return nil
}

func (a *memoryAliases) Unbind(_ context.Context, alias, memberAddress string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.groups[alias] = remove(a.groups[alias], memberAddress)
	return nil
}

func (a *memoryAliases) UnbindMember(_ context.Context, memberAddress string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for alias := range a.groups {
		a.groups[alias] = remove(a.groups[alias], memberAddress)
	}

	a.unbound = append(a.unbound, memberAddress)
	return nil
}

func (a *memoryAliases) RecomputeGroup(
	_ context.Context,
	alias string,
	memberAddresses []string,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.groups[alias] = append([]string(nil), memberAddresses...)
	return nil
}

func (a *memoryAliases) Members(
	_ context.Context,
	alias string,
) ([]models.AliasEntity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var members []models.AliasEntity

	for _, member := range a.groups[alias] {
		members = append(members, models.AliasEntity{
			Alias:         alias,
			MemberAddress: member,
			Auto:          true,
		})
	}

	return members, nil
}

func (a *memoryAliases) group(alias string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.groups[alias]...)
}

func remove(members []string, member string) []string {
	var filtered []string

	for _, m := range members {
		if m != member {
			filtered = append(filtered, m)
		}
	}

	return filtered
}

// fakeWriteback records directory writebacks.
type fakeWriteback struct {
	mu      sync.Mutex
	written map[string]string
	err     error
}

func newFakeWriteback() *fakeWriteback {
	return &fakeWriteback{written: make(map[string]string)}
}

func (w *fakeWriteback) WriteMailAddress(_ context.Context, dn, address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	w.written[dn] = address
	return nil
}

func (w *fakeWriteback) address(dn string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.written[dn]
}
