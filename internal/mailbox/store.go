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
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/models"
)

func init() {
	viper.SetDefault("storage.maildir.foldername", "data/maildirs")
	viper.SetDefault("storage.archive.foldername", "data/archive")
}

// Store is a mailbox backend working on a local maildir tree. Mailbox records live in the
// database, archive snapshots in a separate cold storage folder addressed by uuid handles.
type Store struct {
	conn       database.Conn
	mailboxDao database.MailboxDao
	maildirs   afero.Fs
	archive    afero.Fs
	clock      func() time.Time
}

// NewStore creates a mailbox store using the configuration from viper.
//
// `storage.maildir.foldername` is the base folder for the maildir tree.
// `storage.archive.foldername` is the base folder for archive snapshots.
func NewStore(conn database.Conn, mailboxDao database.MailboxDao) (*Store, error) {
	var (
		maildirFolder = viper.GetString("storage.maildir.foldername")
		archiveFolder = viper.GetString("storage.archive.foldername")
	)

	for _, folder := range []string{maildirFolder, archiveFolder} {
		if err := os.MkdirAll(folder, 0700); err != nil {
			return nil, err
		}
	}

	return &Store{
		conn:       conn,
		mailboxDao: mailboxDao,
		maildirs:   afero.NewBasePathFs(afero.NewOsFs(), maildirFolder),
		archive:    afero.NewBasePathFs(afero.NewOsFs(), archiveFolder),
		clock:      time.Now,
	}, nil
}

func (s *Store) Create(
	ctx context.Context,
	subjectID, address, orgUnit string,
	quotaBytes int64,
) (bool, error) {
	existing, err := s.BySubject(ctx, subjectID)
	if err != nil {
		return false, err
	}

	if existing != nil {
		log.DebugContext(ctx).
			Str("address", existing.Address).
			Msg("mailbox already exists")

		return false, nil
	}

	if err := s.createMaildir(address); err != nil {
		return false, err
	}

	record := models.MailboxEntity{
		SubjectID:  subjectID,
		Address:    address,
		OrgUnit:    orgUnit,
		QuotaBytes: quotaBytes,
		State:      models.MailboxActive,
		CreatedAt:  s.clock().Unix(),
	}

	if err := s.mailboxDao.Insert(ctx, s.conn, &record); err != nil {
		if database.IsErrUnique(err) {
			// Either a concurrent create for the same subject won the race, or the address is
			// taken by a different subject. Only the former counts as success.
			existing, lookupErr := s.BySubject(ctx, subjectID)
			if lookupErr == nil && existing != nil {
				return false, nil
			}

			return false, fmt.Errorf("mailbox: address %q already taken: %w", address, err)
		}

		return false, err
	}

	log.InfoContext(ctx).
		Str("address", address).
		Int64("quotaBytes", quotaBytes).
		Msg("mailbox created")

	return true, nil
}

func (s *Store) SetState(
	ctx context.Context,
	address string,
	state models.MailboxState,
) error {
	record, err := s.ByAddress(ctx, address)
	if err != nil {
		return err
	}

	if record == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, address)
	}

	if record.State == state {
		log.DebugContext(ctx).
			Str("address", address).
			Stringer("state", state).
			Msg("mailbox state unchanged")

		return nil
	}

	previous := record.State
	record.State = state

	if state == models.MailboxArchived && !record.ArchivedAt.Valid {
		record.ArchivedAt = sql.NullInt64{Int64: s.clock().Unix(), Valid: true}
	}

	if err := s.mailboxDao.Update(ctx, s.conn, record); err != nil {
		return err
	}

	log.InfoContext(ctx).
		Str("address", address).
		Stringer("previous", previous).
		Stringer("state", state).
		Msg("mailbox state changed")

	return nil
}

func (s *Store) Archive(ctx context.Context, address, reason string) (string, error) {
	record, err := s.ByAddress(ctx, address)
	if err != nil {
		return "", err
	}

	if record == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownMailbox, address)
	}

	if record.ArchiveHandle.Valid && record.ArchiveReason.String == reason {
		log.DebugContext(ctx).
			Str("address", address).
			Str("handle", record.ArchiveHandle.String).
			Msg("archive snapshot already exists")

		return record.ArchiveHandle.String, nil
	}

	handle := uuid.NewString()

	if err := s.copySnapshot(address, handle); err != nil {
		return "", err
	}

	if record.ArchiveHandle.Valid {
		// A snapshot for an earlier reason is superseded by this one.
		if err := s.archive.RemoveAll(record.ArchiveHandle.String); err != nil {
			return "", err
		}
	}

	record.ArchiveHandle = sql.NullString{String: handle, Valid: true}
	record.ArchiveReason = sql.NullString{String: reason, Valid: true}

	if err := s.mailboxDao.Update(ctx, s.conn, record); err != nil {
		return "", err
	}

	log.InfoContext(ctx).
		Str("address", address).
		Str("handle", handle).
		Str("reason", reason).
		Msg("mailbox archived")

	return handle, nil
}

func (s *Store) Purge(ctx context.Context, address string) error {
	record, err := s.ByAddress(ctx, address)
	if err != nil {
		return err
	}

	if record == nil || record.State == models.MailboxPurged {
		log.DebugContext(ctx).
			Str("address", address).
			Msg("nothing to purge")

		return nil
	}

	if record.ArchiveHandle.Valid {
		if err := s.archive.RemoveAll(record.ArchiveHandle.String); err != nil {
			return err
		}
	}

	if err := s.maildirs.RemoveAll(address); err != nil {
		return err
	}

	record.State = models.MailboxPurged
	record.ArchiveHandle = sql.NullString{}
	record.ArchiveReason = sql.NullString{}

	if err := s.mailboxDao.Update(ctx, s.conn, record); err != nil {
		return err
	}

	log.InfoContext(ctx).
		Str("address", address).
		Msg("mailbox purged")

	return nil
}

func (s *Store) BySubject(ctx context.Context, subjectID string) (*models.MailboxEntity, error) {
	record, err := s.mailboxDao.FindBySubject(ctx, s.conn, subjectID)
	if database.IsErrNoRows(err) {
		return nil, nil
	}

	return record, err
}

func (s *Store) ByAddress(ctx context.Context, address string) (*models.MailboxEntity, error) {
	record, err := s.mailboxDao.FindByAddress(ctx, s.conn, address)
	if database.IsErrNoRows(err) {
		return nil, nil
	}

	return record, err
}

func (s *Store) ActiveByOrgUnit(
	ctx context.Context,
	orgUnit string,
) ([]models.MailboxEntity, error) {
	return s.mailboxDao.FindActiveByOrgUnit(ctx, s.conn, orgUnit)
}

func (s *Store) ArchivedBefore(
	ctx context.Context,
	deadline time.Time,
) ([]models.MailboxEntity, error) {
	return s.mailboxDao.FindArchivedBefore(ctx, s.conn, deadline.Unix())
}

func (s *Store) createMaildir(address string) error {
	for _, folder := range []string{"cur", "new", "tmp"} {
		if err := s.maildirs.MkdirAll(filepath.Join(address, folder), 0700); err != nil {
			return err
		}
	}

	return nil
}

// copySnapshot copies the maildir of an address into the archive folder under the handle. A
// missing maildir yields an empty snapshot.
func (s *Store) copySnapshot(address, handle string) error {
	if ok, err := afero.DirExists(s.maildirs, address); err != nil || !ok {
		if err != nil {
			return err
		}

		return s.archive.MkdirAll(handle, 0700)
	}

	return afero.Walk(s.maildirs, address, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(address, path)
		if err != nil {
			return err
		}

		target := filepath.Join(handle, rel)

		if info.IsDir() {
			return s.archive.MkdirAll(target, 0700)
		}

		return s.copyFile(path, target)
	})
}

func (s *Store) copyFile(source, target string) error {
	src, err := s.maildirs.Open(source)
	if err != nil {
		return err
	}

	defer src.Close()

	dst, err := s.archive.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}

	return dst.Close()
}
