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

package models

import (
	"database/sql"
)

// MailboxState is the backend side state of a provisioned mailbox.
type MailboxState int

const (
	_ MailboxState = iota
	// MailboxActive accepts delivery and retrieval.
	MailboxActive
	// MailboxReadOnly rejects new delivery, but permits retrieval.
	MailboxReadOnly
	// MailboxArchived holds a terminal snapshot during the retention window.
	MailboxArchived
	// MailboxPurged is removed for good. The row remains as a tombstone.
	MailboxPurged
)

func (s MailboxState) String() string {
	switch s {
	case MailboxActive:
		return "active"
	case MailboxReadOnly:
		return "read_only"
	case MailboxArchived:
		return "archived"
	case MailboxPurged:
		return "purged"
	}

	return "unknown"
}

// MailboxEntity is the entity for the "mailboxes" table.
type MailboxEntity struct {
	ID            int64          `db:"id"`
	SubjectID     string         `db:"subject_id"`
	Address       string         `db:"address"`
	OrgUnit       string         `db:"org_unit"`
	QuotaBytes    int64          `db:"quota_bytes"`
	State         MailboxState   `db:"state"`
	CreatedAt     int64          `db:"created_at"`
	ArchivedAt    sql.NullInt64  `db:"archived_at"`
	ArchiveHandle sql.NullString `db:"archive_handle"`
	ArchiveReason sql.NullString `db:"archive_reason"`
}

// AliasEntity is the entity for the "aliases" table. A row binds a single member address to an
// alias address. Auto rows are derived from organizational unit membership and may be recomputed
// at any time. Manual rows are never touched by the reconciler.
type AliasEntity struct {
	ID            int64  `db:"id"`
	Alias         string `db:"alias"`
	MemberAddress string `db:"member_address"`
	Auto          bool   `db:"auto"`
}

// CursorEntity is the entity for the single row "cursor" table. It marks the position in the
// directory change stream up to which all side effects have been durably applied.
type CursorEntity struct {
	ID        int64  `db:"id"`
	Token     string `db:"token"`
	Sequence  int64  `db:"sequence"`
	UpdatedAt int64  `db:"updated_at"`
}

// DeadLetterEntity is the entity for the "dead_letters" table. A dead letter is a provisioning
// event that exhausted its retry budget and awaits operator attention or slow redelivery.
type DeadLetterEntity struct {
	ID        int64  `db:"id"`
	SubjectID string `db:"subject_id"`
	Kind      int    `db:"kind"`
	Sequence  int64  `db:"sequence"`
	Token     string `db:"token"`
	Snapshot  string `db:"snapshot"`
	Attempts  int    `db:"attempts"`
	LastError string `db:"last_error"`
	ParkedAt  int64  `db:"parked_at"`
}

// ConflictEntity is the entity for the "conflicts" table. A conflict is a standing alert that is
// never resolved automatically.
type ConflictEntity struct {
	ID        int64  `db:"id"`
	SubjectID string `db:"subject_id"`
	Reason    string `db:"reason"`
	Detail    string `db:"detail"`
	CreatedAt int64  `db:"created_at"`
}
