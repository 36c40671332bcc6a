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
	"database/sql"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lukasdietrich/postmeister/internal/models"
)

func TestMailboxDaoTestSuite(t *testing.T) {
	suite.Run(t, new(MailboxDaoTestSuite))
}

type MailboxDaoTestSuite struct {
	baseDatabaseTestSuite

	mailboxDao MailboxDao
}

func (s *MailboxDaoTestSuite) SetupSuite() {
	s.mailboxDao = NewMailboxDao()
}

func (s *MailboxDaoTestSuite) TestInsert() {
	mailbox := models.MailboxEntity{
		SubjectID:  "subject-1",
		Address:    "jdoe@example.org",
		OrgUnit:    "people/students",
		QuotaBytes: 1024,
		State:      models.MailboxActive,
		CreatedAt:  100,
	}

	s.Assert().Zero(mailbox.ID)
	s.Assert().NoError(s.mailboxDao.Insert(s.ctx, s.conn, &mailbox))
	s.Assert().NotZero(mailbox.ID)

	s.assertQuery(
		`
			select "subject_id", "address", "state"
			from "mailboxes" ;
		`,
		[]string{"subject-1", "jdoe@example.org", "1"})
}

func (s *MailboxDaoTestSuite) TestInsertDuplicateSubject() {
	s.requireExec(
		`
			insert into "mailboxes"
				( "id", "subject_id", "address", "org_unit", "quota_bytes", "state", "created_at" )
			values
				( 1, 'subject-1', 'jdoe@example.org', 'people', 1024, 1, 100 ) ;
		`)

	mailbox := models.MailboxEntity{
		SubjectID:  "subject-1",
		Address:    "jdoe2@example.org",
		OrgUnit:    "people",
		QuotaBytes: 1024,
		State:      models.MailboxActive,
		CreatedAt:  101,
	}

	err := s.mailboxDao.Insert(s.ctx, s.conn, &mailbox)
	s.Assert().True(IsErrUnique(err))
}

func (s *MailboxDaoTestSuite) TestUpdate() {
	s.requireExec(
		`
			insert into "mailboxes"
				( "id", "subject_id", "address", "org_unit", "quota_bytes", "state", "created_at" )
			values
				( 42, 'subject-1', 'jdoe@example.org', 'people', 1024, 1, 100 ) ;
		`)

	mailbox := models.MailboxEntity{
		ID:            42,
		SubjectID:     "subject-1",
		Address:       "jdoe@example.org",
		OrgUnit:       "people",
		QuotaBytes:    1024,
		State:         models.MailboxArchived,
		CreatedAt:     100,
		ArchivedAt:    sql.NullInt64{Int64: 200, Valid: true},
		ArchiveHandle: sql.NullString{String: "handle-1", Valid: true},
	}

	s.Assert().NoError(s.mailboxDao.Update(s.ctx, s.conn, &mailbox))

	s.assertQuery(
		`
			select "state", "archived_at", "archive_handle"
			from "mailboxes" ;
		`,
		[]string{"3", "200", "handle-1"})
}

func (s *MailboxDaoTestSuite) TestFindBySubject() {
	s.requireExec(
		`
			insert into "mailboxes"
				( "id", "subject_id", "address", "org_unit", "quota_bytes", "state", "created_at" )
			values
				( 1, 'subject-1', 'jdoe@example.org', 'people', 1024, 1, 100 ) ,
				( 2, 'subject-2', 'msmith@example.org', 'people', 1024, 1, 100 ) ;
		`)

	mailbox, err := s.mailboxDao.FindBySubject(s.ctx, s.conn, "subject-2")
	s.Require().NoError(err)
	s.Assert().Equal("msmith@example.org", mailbox.Address)

	_, err = s.mailboxDao.FindBySubject(s.ctx, s.conn, "subject-3")
	s.Assert().True(IsErrNoRows(err))
}

func (s *MailboxDaoTestSuite) TestFindByAddress() {
	s.requireExec(
		`
			insert into "mailboxes"
				( "id", "subject_id", "address", "org_unit", "quota_bytes", "state", "created_at" )
			values
				( 1, 'subject-1', 'jdoe@example.org', 'people', 1024, 1, 100 ) ;
		`)

	mailbox, err := s.mailboxDao.FindByAddress(s.ctx, s.conn, "jdoe@example.org")
	s.Require().NoError(err)
	s.Assert().Equal("subject-1", mailbox.SubjectID)

	_, err = s.mailboxDao.FindByAddress(s.ctx, s.conn, "nobody@example.org")
	s.Assert().True(IsErrNoRows(err))
}

func (s *MailboxDaoTestSuite) TestFindActiveByOrgUnit() {
	s.requireExec(
		`
			insert into "mailboxes"
				( "id", "subject_id", "address", "org_unit", "quota_bytes", "state", "created_at" )
			values
				( 1, 'subject-1', 'b@example.org', 'people/students', 1024, 1, 100 ) ,
				( 2, 'subject-2', 'a@example.org', 'people/students', 1024, 1, 100 ) ,
				( 3, 'subject-3', 'c@example.org', 'people/students', 1024, 2, 100 ) ,
				( 4, 'subject-4', 'd@example.org', 'people/teachers', 1024, 1, 100 ) ;
		`)

	mailboxSlice, err := s.mailboxDao.FindActiveByOrgUnit(s.ctx, s.conn, "people/students")
	s.Require().NoError(err)
	s.Require().Len(mailboxSlice, 2)
	s.Assert().Equal("a@example.org", mailboxSlice[0].Address)
	s.Assert().Equal("b@example.org", mailboxSlice[1].Address)
}

func (s *MailboxDaoTestSuite) TestFindArchivedBefore() {
	s.requireExec(
		`
			insert into "mailboxes"
				( "id", "subject_id", "address", "org_unit", "quota_bytes", "state", "created_at", "archived_at" )
			values
				( 1, 'subject-1', 'a@example.org', 'people', 1024, 3, 100, 100 ) ,
				( 2, 'subject-2', 'b@example.org', 'people', 1024, 3, 100, 300 ) ,
				( 3, 'subject-3', 'c@example.org', 'people', 1024, 2, 100, 100 ) ;
		`)

	mailboxSlice, err := s.mailboxDao.FindArchivedBefore(s.ctx, s.conn, 200)
	s.Require().NoError(err)
	s.Require().Len(mailboxSlice, 1)
	s.Assert().Equal("a@example.org", mailboxSlice[0].Address)
}
