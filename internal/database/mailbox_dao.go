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

package database

import (
	"context"

	"github.com/lukasdietrich/postmeister/internal/models"
)

// MailboxDao is a data access object for all mailbox record related queries.
type MailboxDao interface {
	// Insert inserts a new mailbox record.
	Insert(context.Context, Queryer, *models.MailboxEntity) error
	// Update updates an existing mailbox record.
	Update(context.Context, Queryer, *models.MailboxEntity) error
	// FindBySubject returns the mailbox record of a subject.
	FindBySubject(context.Context, Queryer, string) (*models.MailboxEntity, error)
	// FindByAddress returns the mailbox record owning an address.
	FindByAddress(context.Context, Queryer, string) (*models.MailboxEntity, error)
	// FindActiveByOrgUnit returns all active mailbox records of an organizational unit.
	FindActiveByOrgUnit(context.Context, Queryer, string) ([]models.MailboxEntity, error)
	// FindArchivedBefore returns all archived mailbox records whose archive timestamp is at or
	// before the deadline.
	FindArchivedBefore(context.Context, Queryer, int64) ([]models.MailboxEntity, error)
}

// mailboxDao is the sqlite implementation of MailboxDao.
type mailboxDao struct{}

// NewMailboxDao creates a new MailboxDao.
func NewMailboxDao() MailboxDao {
	return mailboxDao{}
}

func (mailboxDao) Insert(ctx context.Context, q Queryer, mailbox *models.MailboxEntity) error {
	const query = `
		insert into "mailboxes" (
			"subject_id" ,
			"address" ,
			"org_unit" ,
			"quota_bytes" ,
			"state" ,
			"created_at" ,
			"archived_at" ,
			"archive_handle" ,
			"archive_reason"
		) values (
			:subject_id ,
			:address ,
			:org_unit ,
			:quota_bytes ,
			:state ,
			:created_at ,
			:archived_at ,
			:archive_handle ,
			:archive_reason
		) ;
	`

	result, err := execNamed(ctx, q, query, mailbox)
	if err != nil {
		return err
	}

	if err := ensureRowsAffected(result); err != nil {
		return err
	}

	mailbox.ID, err = result.LastInsertId()
	return err
}

func (mailboxDao) Update(ctx context.Context, q Queryer, mailbox *models.MailboxEntity) error {
	const query = `
		update "mailboxes"
		set "quota_bytes"    = :quota_bytes ,
		    "state"          = :state ,
		    "archived_at"    = :archived_at ,
		    "archive_handle" = :archive_handle ,
		    "archive_reason" = :archive_reason
		where "id" = :id ;
	`

	result, err := execNamed(ctx, q, query, mailbox)
	if err != nil {
		return err
	}

	return ensureRowsAffected(result)
}

func (mailboxDao) FindBySubject(
	ctx context.Context,
	q Queryer,
	subjectID string,
) (*models.MailboxEntity, error) {
	const query = `
		select *
		from "mailboxes"
		where "subject_id" = $1
		limit 1 ;
	`

	var mailbox models.MailboxEntity

	if err := selectOne(ctx, q, &mailbox, query, subjectID); err != nil {
		return nil, err
	}

	return &mailbox, nil
}

func (mailboxDao) FindByAddress(
	ctx context.Context,
	q Queryer,
	address string,
) (*models.MailboxEntity, error) {
	const query = `
		select *
		from "mailboxes"
		where "address" = $1
		limit 1 ;
	`

	var mailbox models.MailboxEntity

	if err := selectOne(ctx, q, &mailbox, query, address); err != nil {
		return nil, err
	}

	return &mailbox, nil
}

func (mailboxDao) FindActiveByOrgUnit(
	ctx context.Context,
	q Queryer,
	orgUnit string,
) ([]models.MailboxEntity, error) {
	const query = `
		select *
		from "mailboxes"
		where "org_unit" = $1
		  and "state" = $2
		order by "address" asc ;
	`

	var mailboxSlice []models.MailboxEntity

	if err := selectSlice(ctx, q, &mailboxSlice, query, orgUnit, models.MailboxActive); err != nil {
		return nil, err
	}

	return mailboxSlice, nil
}

func (mailboxDao) FindArchivedBefore(
	ctx context.Context,
	q Queryer,
	deadline int64,
) ([]models.MailboxEntity, error) {
	const query = `
		select *
		from "mailboxes"
		where "state" = $1
		  and "archived_at" is not null
		  and "archived_at" <= $2
		order by "archived_at" asc ;
	`

	var mailboxSlice []models.MailboxEntity

	if err := selectSlice(ctx, q, &mailboxSlice, query, models.MailboxArchived, deadline); err != nil {
		return nil, err
	}

	return mailboxSlice, nil
}
