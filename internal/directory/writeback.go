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

package directory

import (
	"context"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/lukasdietrich/postmeister/internal/log"
)

// Writer updates subject entries in the directory. It maintains its own connection separate
// from the listener, because writes happen concurrently to the change stream.
type Writer struct {
	dial Dialer

	mu   sync.Mutex
	conn Conn
}

// NewWriter creates a new directory writer.
func NewWriter(dial Dialer) *Writer {
	return &Writer{dial: dial}
}

// WriteMailAddress replaces the mail attribute of an entry. Replacing with the already assigned
// address is a no-op on the directory side, so retries are safe.
func (w *Writer) WriteMailAddress(ctx context.Context, dn, address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, err := w.dial()
		if err != nil {
			return err
		}

		w.conn = conn
	}

	req := ldap.NewModifyRequest(dn, nil)
	req.Replace(attrMail, []string{address})

	if err := w.conn.Modify(req); err != nil {
		// Drop the connection on any error. The next call dials fresh.
		w.conn.Close()
		w.conn = nil

		return err
	}

	log.InfoContext(ctx).
		Str("dn", dn).
		Str("address", address).
		Msg("mail address written back to directory")

	return nil
}

// Close releases the connection if one is open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}

	return nil
}
