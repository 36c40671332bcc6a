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
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lukasdietrich/postmeister/internal/models"
)

func TestSweeperTestSuite(t *testing.T) {
	suite.Run(t, new(SweeperTestSuite))
}

type SweeperTestSuite struct {
	suite.Suite

	ctx       context.Context
	mailboxes *memoryMailboxes
	sweeper   *Sweeper
}

func (s *SweeperTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.mailboxes = newMemoryMailboxes()

	s.sweeper = &Sweeper{
		mailboxes: s.mailboxes,
		retention: 30 * 24 * time.Hour,
		interval:  time.Hour,
		clock: func() time.Time {
			return time.Unix(5000, 0).Add(30 * 24 * time.Hour)
		},
	}
}

func (s *SweeperTestSuite) archived(subjectID, address string, archivedAt int64) {
	s.mailboxes.nextID++
	s.mailboxes.records[subjectID] = &models.MailboxEntity{
		ID:            s.mailboxes.nextID,
		SubjectID:     subjectID,
		Address:       address,
		OrgUnit:       "people/students",
		QuotaBytes:    1 << 30,
		State:         models.MailboxArchived,
		CreatedAt:     1,
		ArchivedAt:    sql.NullInt64{Int64: archivedAt, Valid: true},
		ArchiveHandle: sql.NullString{String: "handle-" + subjectID, Valid: true},
		ArchiveReason: sql.NullString{String: "retention", Valid: true},
	}
}

func (s *SweeperTestSuite) state(subjectID string) models.MailboxState {
	record, err := s.mailboxes.BySubject(s.ctx, subjectID)
	s.Require().NoError(err)
	s.Require().NotNil(record)
	return record.State
}

func (s *SweeperTestSuite) TestSweepPurgesExpiredArchives() {
	s.archived("unique-1", "a@example.org", 4000)
	s.archived("unique-2", "b@example.org", 5000)
	s.archived("unique-3", "c@example.org", 5001)

	s.Require().NoError(s.sweeper.Sweep(s.ctx))

	s.Assert().Equal(models.MailboxPurged, s.state("unique-1"))
	s.Assert().Equal(models.MailboxPurged, s.state("unique-2"),
		"the retention boundary is inclusive")
	s.Assert().Equal(models.MailboxArchived, s.state("unique-3"),
		"the retention window is still open")
}

func (s *SweeperTestSuite) TestSweepSkipsOtherStates() {
	s.mailboxes.records["unique-1"] = &models.MailboxEntity{
		ID:        1,
		SubjectID: "unique-1",
		Address:   "a@example.org",
		State:     models.MailboxReadOnly,
	}

	s.Require().NoError(s.sweeper.Sweep(s.ctx))
	s.Assert().Equal(models.MailboxReadOnly, s.state("unique-1"))
}

func (s *SweeperTestSuite) TestSweepIsIdempotent() {
	s.archived("unique-1", "a@example.org", 4000)

	s.Require().NoError(s.sweeper.Sweep(s.ctx))
	s.Require().NoError(s.sweeper.Sweep(s.ctx))

	s.Assert().Equal(models.MailboxPurged, s.state("unique-1"))
}
