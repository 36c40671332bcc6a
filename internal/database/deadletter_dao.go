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

// DeadLetterDao is a data access object for parked provisioning events.
type DeadLetterDao interface {
	// Insert parks a provisioning event. Parking the same subject and sequence twice is a no-op.
	Insert(context.Context, Queryer, *models.DeadLetterEntity) error
	// Delete removes a parked event after successful redelivery.
	Delete(context.Context, Queryer, int64) error
	// FindAll returns all parked events ordered by subject and sequence.
	FindAll(context.Context, Queryer) ([]models.DeadLetterEntity, error)
	// ExistsBySubject checks whether a subject has parked events.
	ExistsBySubject(context.Context, Queryer, string) (bool, error)
}

// deadLetterDao is the sqlite implementation of DeadLetterDao.
type deadLetterDao struct{}

// NewDeadLetterDao creates a new DeadLetterDao.
func NewDeadLetterDao() DeadLetterDao {
	return deadLetterDao{}
}

func (deadLetterDao) Insert(
	ctx context.Context,
	q Queryer,
	deadLetter *models.DeadLetterEntity,
) error {
	const query = `
		insert or ignore into "dead_letters" (
			"subject_id" ,
			"kind" ,
			"sequence" ,
			"token" ,
			"snapshot" ,
			"attempts" ,
			"last_error" ,
			"parked_at"
		) values (
			:subject_id ,
			:kind ,
			:sequence ,
			:token ,
			:snapshot ,
			:attempts ,
			:last_error ,
			:parked_at
		) ;
	`

	result, err := execNamed(ctx, q, query, deadLetter)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected > 0 {
		deadLetter.ID, err = result.LastInsertId()
	}

	return err
}

func (deadLetterDao) Delete(ctx context.Context, q Queryer, id int64) error {
	const query = `
		delete from "dead_letters"
		where "id" = $1 ;
	`

	result, err := execPositional(ctx, q, query, id)
	if err != nil {
		return err
	}

	return ensureRowsAffected(result)
}

func (deadLetterDao) FindAll(
	ctx context.Context,
	q Queryer,
) ([]models.DeadLetterEntity, error) {
	const query = `
		select *
		from "dead_letters"
		order by "subject_id" asc, "sequence" asc ;
	`

	var deadLetterSlice []models.DeadLetterEntity

	if err := selectSlice(ctx, q, &deadLetterSlice, query); err != nil {
		return nil, err
	}

	return deadLetterSlice, nil
}

func (deadLetterDao) ExistsBySubject(
	ctx context.Context,
	q Queryer,
	subjectID string,
) (bool, error) {
	const query = `
		select count(*)
		from "dead_letters"
		where "subject_id" = $1 ;
	`

	var count int64

	if err := selectOne(ctx, q, &count, query, subjectID); err != nil {
		return false, err
	}

	return count > 0, nil
}
