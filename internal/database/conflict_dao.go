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

// ConflictDao is a data access object for standing reconciliation conflicts. A conflict is only
// recorded once per subject and reason, no matter how often the event is replayed.
type ConflictDao interface {
	// Insert records a standing conflict. Duplicates are ignored.
	Insert(context.Context, Queryer, *models.ConflictEntity) error
	// FindAll returns all standing conflicts ordered by age.
	FindAll(context.Context, Queryer) ([]models.ConflictEntity, error)
}

// conflictDao is the sqlite implementation of ConflictDao.
type conflictDao struct{}

// NewConflictDao creates a new ConflictDao.
func NewConflictDao() ConflictDao {
	return conflictDao{}
}

func (conflictDao) Insert(ctx context.Context, q Queryer, conflict *models.ConflictEntity) error {
	const query = `
		insert or ignore into "conflicts" (
			"subject_id" ,
			"reason" ,
			"detail" ,
			"created_at"
		) values (
			:subject_id ,
			:reason ,
			:detail ,
			:created_at
		) ;
	`

	_, err := execNamed(ctx, q, query, conflict)
	return err
}

func (conflictDao) FindAll(ctx context.Context, q Queryer) ([]models.ConflictEntity, error) {
	const query = `
		select *
		from "conflicts"
		order by "created_at" asc ;
	`

	var conflictSlice []models.ConflictEntity

	if err := selectSlice(ctx, q, &conflictSlice, query); err != nil {
		return nil, err
	}

	return conflictSlice, nil
}
