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

package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/lukasdietrich/postmeister/internal/models"
)

// ErrUnknownMailbox is returned for operations on an address without a mailbox record.
var ErrUnknownMailbox = errors.New("mailbox: unknown mailbox")

// Client is the interface to the mailbox backend. Every operation is idempotent, because the
// reconciler delivers events at least once.
type Client interface {
	// Create provisions a new mailbox. It reports false without an error, when a mailbox for the
	// subject already exists.
	Create(ctx context.Context, subjectID, address, orgUnit string, quotaBytes int64) (bool, error)
	// SetState transitions the mailbox state. Setting the current state again is a no-op.
	SetState(ctx context.Context, address string, state models.MailboxState) error
	// Archive writes a snapshot copy to cold storage and returns its handle. Repeating a call
	// with the same reason returns the existing handle.
	Archive(ctx context.Context, address, reason string) (string, error)
	// Purge removes the archived copy and the mailbox content. Purging an unknown or already
	// purged mailbox is a no-op.
	Purge(ctx context.Context, address string) error

	// BySubject returns the mailbox record of a subject or nil, when none exists.
	BySubject(ctx context.Context, subjectID string) (*models.MailboxEntity, error)
	// ByAddress returns the mailbox record owning an address or nil, when none exists.
	ByAddress(ctx context.Context, address string) (*models.MailboxEntity, error)
	// ActiveByOrgUnit returns all active mailbox records of an organizational unit.
	ActiveByOrgUnit(ctx context.Context, orgUnit string) ([]models.MailboxEntity, error)
	// ArchivedBefore returns all archived mailbox records with an archive timestamp at or before
	// the deadline.
	ArchivedBefore(ctx context.Context, deadline time.Time) ([]models.MailboxEntity, error)
}
