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
	"time"

	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/models"
)

// CursorStore persists the position in the change stream up to which every side effect is
// durably applied. The listener resumes from it after restarts and reconnects.
type CursorStore struct {
	conn      database.Conn
	cursorDao database.CursorDao
	clock     func() time.Time
}

// NewCursorStore creates a new cursor store.
func NewCursorStore(conn database.Conn, cursorDao database.CursorDao) *CursorStore {
	return &CursorStore{
		conn:      conn,
		cursorDao: cursorDao,
		clock:     time.Now,
	}
}

// Load returns the persisted cursor or nil, when none exists yet.
func (s *CursorStore) Load(ctx context.Context) (*models.CursorEntity, error) {
	cursor, err := s.cursorDao.Find(ctx, s.conn)
	if database.IsErrNoRows(err) {
		return nil, nil
	}

	return cursor, err
}

// Advance moves the cursor. The caller must make sure all events up to the sequence are applied.
func (s *CursorStore) Advance(ctx context.Context, sequence int64, token string) error {
	cursor := models.CursorEntity{
		Token:     token,
		Sequence:  sequence,
		UpdatedAt: s.clock().Unix(),
	}

	if err := s.cursorDao.Upsert(ctx, s.conn, &cursor); err != nil {
		return err
	}

	log.DebugContext(ctx).
		Int64("sequence", sequence).
		Str("token", token).
		Msg("cursor advanced")

	return nil
}
