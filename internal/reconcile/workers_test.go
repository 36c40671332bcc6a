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
	"errors"
	"math"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/suite"

	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/models"
	"github.com/lukasdietrich/postmeister/internal/policy"
)

func TestWorkersTestSuite(t *testing.T) {
	suite.Run(t, new(WorkersTestSuite))
}

type WorkersTestSuite struct {
	suite.Suite

	ctx       context.Context
	conn      database.Conn
	mailboxes *memoryMailboxes
	cursors   *CursorStore
	workers   *Workers
}

func (s *WorkersTestSuite) SetupTest() {
	viper.Set("storage.database.filename", ":memory:")
	viper.Set("storage.database.journalmode", "memory")
	testPolicyConfig()

	conn, err := database.OpenConnection()
	s.Require().NoError(err)

	resolver, err := policy.NewResolver()
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.conn = conn
	s.mailboxes = newMemoryMailboxes()
	s.cursors = NewCursorStore(conn, database.NewCursorDao())

	reconciler := NewReconciler(
		resolver, s.mailboxes, newMemoryAliases(), newFakeWriteback(),
		conn, database.NewConflictDao())

	s.workers = &Workers{
		reconciler:    reconciler,
		cursors:       s.cursors,
		conn:          conn,
		deadLetterDao: database.NewDeadLetterDao(),

		count:             2,
		maxAttempts:       2,
		redeliverInterval: time.Minute,
		shutdownGrace:     time.Second,

		clock:   time.Now,
		tracker: newTracker(math.MinInt64),
		parked:  make(map[string]bool),
	}
}

func (s *WorkersTestSuite) TearDownTest() {
	s.Require().NoError(s.conn.Close())
}

func (s *WorkersTestSuite) event(
	kind models.EventKind,
	subject models.Subject,
	sequence int64,
	token string,
) models.Event {
	return models.Event{
		Kind:     kind,
		Subject:  subject,
		Sequence: sequence,
		Token:    token,
	}
}

func (s *WorkersTestSuite) cursor() *models.CursorEntity {
	cursor, err := s.cursors.Load(s.ctx)
	s.Require().NoError(err)
	return cursor
}

func (s *WorkersTestSuite) deadLetters() []models.DeadLetterEntity {
	deadLetters, err := database.NewDeadLetterDao().FindAll(s.ctx, s.conn)
	s.Require().NoError(err)
	return deadLetters
}

func (s *WorkersTestSuite) TestProcessAdvancesCursor() {
	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")
	event := s.event(models.EventCreated, subject, 7, "7")

	s.Require().True(s.workers.tracker.Observe(7))
	s.workers.process(s.ctx, event)

	cursor := s.cursor()
	s.Require().NotNil(cursor)
	s.Assert().Equal(int64(7), cursor.Sequence)
	s.Assert().Equal("7", cursor.Token)
	s.Assert().Empty(s.deadLetters())
}

func (s *WorkersTestSuite) TestOutOfOrderCompletionHoldsCursor() {
	first := s.event(models.EventCreated,
		studentSubject("unique-1", "a", "Ann", "Ab"), 1, "1")
	second := s.event(models.EventCreated,
		studentSubject("unique-2", "b", "Ben", "Cd"), 2, "2")

	s.Require().True(s.workers.tracker.Observe(1))
	s.Require().True(s.workers.tracker.Observe(2))

	s.workers.process(s.ctx, second)
	s.Assert().Nil(s.cursor(), "the cursor must not jump over an in-flight event")

	s.workers.process(s.ctx, first)

	cursor := s.cursor()
	s.Require().NotNil(cursor)
	s.Assert().Equal(int64(2), cursor.Sequence)
	s.Assert().Equal("2", cursor.Token)
}

func (s *WorkersTestSuite) TestProcessParksAfterRetries() {
	s.mailboxes.setErr(errors.New("backend down"))

	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")
	event := s.event(models.EventCreated, subject, 7, "7")

	s.Require().True(s.workers.tracker.Observe(7))
	s.workers.process(s.ctx, event)

	deadLetters := s.deadLetters()
	s.Require().Len(deadLetters, 1)
	s.Assert().Equal("unique-1", deadLetters[0].SubjectID)
	s.Assert().Equal(int64(7), deadLetters[0].Sequence)
	s.Assert().Equal(2, deadLetters[0].Attempts)

	s.Assert().Nil(s.cursor(), "the cursor must stop short of a parked event")
	s.Assert().True(s.workers.isParked("unique-1"))
}

func (s *WorkersTestSuite) TestProcessParksConflictWithoutRetry() {
	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")

	s.Require().True(s.workers.tracker.Observe(1))
	s.workers.process(s.ctx, s.event(models.EventCreated, subject, 1, "1"))

	s.mailboxes.records["unique-1"].QuotaBytes = 42

	s.Require().True(s.workers.tracker.Observe(2))
	s.workers.process(s.ctx, s.event(models.EventCreated, subject, 2, "2"))

	deadLetters := s.deadLetters()
	s.Require().Len(deadLetters, 1)
	s.Assert().Equal(1, deadLetters[0].Attempts, "conflicts are not retried")
}

func (s *WorkersTestSuite) TestRedeliverReplaysInOrder() {
	s.mailboxes.setErr(errors.New("backend down"))

	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")

	s.Require().True(s.workers.tracker.Observe(1))
	s.workers.process(s.ctx, s.event(models.EventCreated, subject, 1, "1"))

	// A later event of the stalled subject is parked without an attempt.
	disabled := subject
	disabled.Status = models.StatusDisabled
	s.workers.park(s.ctx,
		s.event(models.EventDisabled, disabled, 2, "2"), 0, errSubjectStalled)

	s.Require().Len(s.deadLetters(), 2)

	s.mailboxes.setErr(nil)
	s.Require().NoError(s.workers.redeliver(s.ctx))

	s.Assert().Empty(s.deadLetters())
	s.Assert().False(s.workers.isParked("unique-1"))

	record, err := s.mailboxes.BySubject(s.ctx, "unique-1")
	s.Require().NoError(err)
	s.Assert().Equal(models.MailboxReadOnly, record.State,
		"created and disabled applied in order")

	cursor := s.cursor()
	s.Require().NotNil(cursor)
	s.Assert().Equal(int64(2), cursor.Sequence)
}

func (s *WorkersTestSuite) TestProcessParksQueuedSuccessor() {
	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")

	s.Require().True(s.workers.tracker.Observe(1))
	s.workers.process(s.ctx, s.event(models.EventCreated, subject, 1, "1"))

	s.mailboxes.setErr(errors.New("backend down"))

	disabled := subject
	disabled.Status = models.StatusDisabled

	s.Require().True(s.workers.tracker.Observe(2))
	s.workers.process(s.ctx, s.event(models.EventDisabled, disabled, 2, "2"))
	s.Require().True(s.workers.isParked("unique-1"))

	// The backend recovers while a later event of the subject is already sitting in the shard
	// queue. It must stall behind the parked one instead of overtaking it.
	s.mailboxes.setErr(nil)

	reenabled := subject
	reenabled.Status = models.StatusActive

	s.Require().True(s.workers.tracker.Observe(3))
	s.workers.process(s.ctx, s.event(models.EventReenabled, reenabled, 3, "3"))

	deadLetters := s.deadLetters()
	s.Require().Len(deadLetters, 2)
	s.Assert().Equal(0, deadLetters[1].Attempts, "stalled events are parked without an attempt")

	record, err := s.mailboxes.BySubject(s.ctx, "unique-1")
	s.Require().NoError(err)
	s.Assert().Equal(models.MailboxActive, record.State, "the stalled event is not applied")

	s.Require().NoError(s.workers.redeliver(s.ctx))

	record, err = s.mailboxes.BySubject(s.ctx, "unique-1")
	s.Require().NoError(err)
	s.Assert().Equal(models.MailboxActive, record.State,
		"disabled and reenabled applied in order")

	cursor := s.cursor()
	s.Require().NotNil(cursor)
	s.Assert().Equal(int64(3), cursor.Sequence)
	s.Assert().False(s.workers.isParked("unique-1"))
}

func (s *WorkersTestSuite) TestRedeliverKeepsConcurrentlyParkedSubject() {
	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")

	s.Require().True(s.workers.tracker.Observe(1))
	s.workers.process(s.ctx, s.event(models.EventCreated, subject, 1, "1"))

	disabled := subject
	disabled.Status = models.StatusDisabled
	s.workers.park(s.ctx,
		s.event(models.EventDisabled, disabled, 2, "2"), 0, errSubjectStalled)

	reenabled := subject
	reenabled.Status = models.StatusActive

	// While the sweep decides whether to unpark the subject, a new event arrives and is
	// parked. The subject must stay parked, because a dead letter remains.
	parked := make(chan struct{})
	s.workers.deadLetterDao = &hookedDeadLetterDao{
		DeadLetterDao: s.workers.deadLetterDao,
		onExists: func() {
			go func() {
				defer close(parked)
				s.workers.park(s.ctx,
					s.event(models.EventReenabled, reenabled, 3, "3"), 0, errSubjectStalled)
			}()

			select {
			case <-parked:
			case <-time.After(100 * time.Millisecond):
			}
		},
	}

	s.Require().NoError(s.workers.redeliver(s.ctx))
	<-parked

	s.Require().Len(s.deadLetters(), 1)
	s.Assert().True(s.workers.isParked("unique-1"))
}

func (s *WorkersTestSuite) TestRedeliverKeepsFailingSubjectParked() {
	s.mailboxes.setErr(errors.New("backend down"))

	subject := studentSubject("unique-1", "jdoe", "Jane", "Doe")

	s.Require().True(s.workers.tracker.Observe(1))
	s.workers.process(s.ctx, s.event(models.EventCreated, subject, 1, "1"))

	s.Require().NoError(s.workers.redeliver(s.ctx))

	s.Assert().Len(s.deadLetters(), 1)
	s.Assert().True(s.workers.isParked("unique-1"))
	s.Assert().Nil(s.cursor())
}

func (s *WorkersTestSuite) TestRunAppliesEvents() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	events := make(chan models.Event, 4)
	s.workers.events = events

	finished := make(chan error, 1)
	go func() {
		finished <- s.workers.Run(ctx)
	}()

	events <- s.event(models.EventCreated,
		studentSubject("unique-1", "jdoe", "Jane", "Doe"), 1, "1")

	s.Require().Eventually(func() bool {
		cursor, err := s.cursors.Load(s.ctx)
		return err == nil && cursor != nil && cursor.Sequence == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	s.Require().NoError(<-finished)
}

// hookedDeadLetterDao runs a callback after every subject existence check, to interleave
// concurrent activity with the redelivery sweep.
type hookedDeadLetterDao struct {
	database.DeadLetterDao

	onExists func()
}

func (d *hookedDeadLetterDao) ExistsBySubject(
	ctx context.Context,
	q database.Queryer,
	subjectID string,
) (bool, error) {
	exists, err := d.DeadLetterDao.ExistsBySubject(ctx, q, subjectID)

	if d.onExists != nil {
		d.onExists()
	}

	return exists, err
}

func (s *WorkersTestSuite) TestDispatchParksStalledSubject() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	events := make(chan models.Event, 4)
	s.workers.events = events
	s.workers.parked["unique-1"] = true

	finished := make(chan error, 1)
	go func() {
		finished <- s.workers.Run(ctx)
	}()

	events <- s.event(models.EventDisabled,
		studentSubject("unique-1", "jdoe", "Jane", "Doe"), 3, "3")

	s.Require().Eventually(func() bool {
		return len(s.deadLetters()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.Assert().Nil(s.cursor())

	cancel()
	s.Require().NoError(<-finished)
}
