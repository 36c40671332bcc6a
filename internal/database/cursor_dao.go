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

// CursorDao is a data access object for the change cursor. The cursor table holds at most one
// row.
type CursorDao interface {
	// Find returns the persisted cursor.
	Find(context.Context, Queryer) (*models.CursorEntity, error)
	// Upsert inserts or replaces the persisted cursor.
	Upsert(context.Context, Queryer, *models.CursorEntity) error
}

// cursorDao is the sqlite implementation of CursorDao.
type cursorDao struct{}

// NewCursorDao creates a new CursorDao.
func NewCursorDao() CursorDao {
	return cursorDao{}
}

func (cursorDao) Find(ctx context.Context, q Queryer) (*models.CursorEntity, error) {
	const query = `
		select *
		from "cursor"
		where "id" = 1
		limit 1 ;
	`

	var cursor models.CursorEntity

	if err := selectOne(ctx, q, &cursor, query); err != nil {
		return nil, err
	}

	return &cursor, nil
}

func (cursorDao) Upsert(ctx context.Context, q Queryer, cursor *models.CursorEntity) error {
	const query = `
		insert or replace into "cursor" (
			"id" ,
			"token" ,
			"sequence" ,
			"updated_at"
		) values (
			1 ,
			:token ,
			:sequence ,
			:updated_at
		) ;
	`

	result, err := execNamed(ctx, q, query, cursor)
	if err != nil {
		return err
	}

	return ensureRowsAffected(result)
}
