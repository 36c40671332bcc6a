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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lukasdietrich/postmeister/internal/alias"
	"github.com/lukasdietrich/postmeister/internal/database"
	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/mailbox"
	"github.com/lukasdietrich/postmeister/internal/models"
	"github.com/lukasdietrich/postmeister/internal/policy"
)

// ErrConflict marks an event that must not be applied, because the observed state contradicts
// the expected one. Conflicts are recorded as standing alerts and are never resolved
// automatically. The event stays parked until an operator intervenes.
var ErrConflict = errors.New("reconcile: policy conflict")

// Writeback updates the assigned mailbox address of a subject in the directory.
type Writeback interface {
	WriteMailAddress(ctx context.Context, dn, address string) error
}

// Reconciler applies a single provisioning event to the mailbox and alias backends. Every
// application is idempotent, so events can be delivered more than once and replayed after
// crashes in any stage.
type Reconciler struct {
	resolver    *policy.Resolver
	mailboxes   mailbox.Client
	aliases     alias.Client
	writeback   Writeback
	conn        database.Conn
	conflictDao database.ConflictDao
	clock       func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(
	resolver *policy.Resolver,
	mailboxes mailbox.Client,
	aliases alias.Client,
	writeback Writeback,
	conn database.Conn,
	conflictDao database.ConflictDao,
) *Reconciler {
	return &Reconciler{
		resolver:    resolver,
		mailboxes:   mailboxes,
		aliases:     aliases,
		writeback:   writeback,
		conn:        conn,
		conflictDao: conflictDao,
		clock:       time.Now,
	}
}

// Apply performs the side effects of an event. Errors wrapping ErrConflict are terminal, all
// other errors are transient and may be retried.
func (r *Reconciler) Apply(ctx context.Context, event models.Event) error {
	ctx = log.WithSubject(ctx, event.Subject.ID)
	ctx = log.WithSequence(ctx, event.Sequence)

	switch event.Kind {
	case models.EventCreated:
		return r.applyCreated(ctx, event.Subject)
	case models.EventDisabled:
		return r.applyDisabled(ctx, event.Subject)
	case models.EventReenabled:
		return r.applyReenabled(ctx, event.Subject)
	case models.EventDeleted:
		return r.applyDeleted(ctx, event.Subject)
	}

	return fmt.Errorf("unexpected event kind %d", event.Kind)
}

func (r *Reconciler) applyCreated(ctx context.Context, subject models.Subject) error {
	role := r.resolver.Resolve(subject)
	expected := role.FormatAddress(subject)

	record, err := r.mailboxes.BySubject(ctx, subject.ID)
	if err != nil {
		return err
	}

	if record != nil {
		return r.verifyProvisioned(ctx, subject, role, expected, record)
	}

	address, err := r.chooseAddress(ctx, subject.ID, expected)
	if err != nil {
		return err
	}

	if address != expected {
		log.InfoContext(ctx).
			Str("address", address).
			Str("wanted", expected).
			Msg("address taken, falling back to suffixed address")
	}

	if _, err := r.mailboxes.Create(
		ctx, subject.ID, address, subject.OrgUnitPath(), role.QuotaBytes,
	); err != nil {
		return err
	}

	if err := r.refreshGroup(ctx, subject.OrgUnit); err != nil {
		return err
	}

	return r.writeback.WriteMailAddress(ctx, subject.DN, address)
}

// verifyProvisioned handles a created event for an already provisioned subject. The duplicate is
// a no-op as long as the existing mailbox matches the policy. Divergence is never repaired, the
// mailbox keeps its attributes and a conflict is raised instead.
func (r *Reconciler) verifyProvisioned(
	ctx context.Context,
	subject models.Subject,
	role policy.Role,
	expected string,
	record *models.MailboxEntity,
) error {
	if record.State == models.MailboxPurged {
		return r.conflict(ctx, subject, "recreate-after-purge",
			fmt.Sprintf("mailbox %s is purged", record.Address))
	}

	if !derivedFrom(record.Address, expected) {
		return r.conflict(ctx, subject, "address-divergence",
			fmt.Sprintf("mailbox has %s, policy %q renders %s",
				record.Address, role.Name, expected))
	}

	if record.QuotaBytes != role.QuotaBytes {
		return r.conflict(ctx, subject, "quota-divergence",
			fmt.Sprintf("mailbox has %d bytes, policy %q grants %d bytes",
				record.QuotaBytes, role.Name, role.QuotaBytes))
	}

	if subject.MailAddress != record.Address {
		// The mailbox exists, but the address never made it into the directory. This happens
		// after a crash between create and writeback.
		return r.writeback.WriteMailAddress(ctx, subject.DN, record.Address)
	}

	log.DebugContext(ctx).
		Str("address", record.Address).
		Msg("mailbox already provisioned")

	return nil
}

func (r *Reconciler) applyDisabled(ctx context.Context, subject models.Subject) error {
	record, err := r.ensureProvisioned(ctx, subject)
	if err != nil || record == nil {
		return err
	}

	switch record.State {
	case models.MailboxReadOnly, models.MailboxArchived:
		log.DebugContext(ctx).
			Str("address", record.Address).
			Stringer("state", record.State).
			Msg("mailbox already out of delivery")

		return nil

	case models.MailboxPurged:
		return r.conflict(ctx, subject, "disable-after-purge",
			fmt.Sprintf("mailbox %s is purged", record.Address))
	}

	if err := r.mailboxes.SetState(ctx, record.Address, models.MailboxReadOnly); err != nil {
		return err
	}

	if r.resolver.Resolve(subject).ArchiveOnDisable {
		if _, err := r.mailboxes.Archive(ctx, record.Address, "disable"); err != nil {
			return err
		}
	}

	return r.refreshGroup(ctx, subject.OrgUnit)
}

func (r *Reconciler) applyReenabled(ctx context.Context, subject models.Subject) error {
	record, err := r.ensureProvisioned(ctx, subject)
	if err != nil || record == nil {
		return err
	}

	switch record.State {
	case models.MailboxActive:
		log.DebugContext(ctx).
			Str("address", record.Address).
			Msg("mailbox already active")

		return nil

	case models.MailboxArchived:
		return r.conflict(ctx, subject, "reenable-after-archive",
			fmt.Sprintf("mailbox %s holds a terminal archive", record.Address))

	case models.MailboxPurged:
		return r.conflict(ctx, subject, "reenable-after-purge",
			fmt.Sprintf("mailbox %s is purged", record.Address))
	}

	if err := r.mailboxes.SetState(ctx, record.Address, models.MailboxActive); err != nil {
		return err
	}

	return r.refreshGroup(ctx, subject.OrgUnit)
}

func (r *Reconciler) applyDeleted(ctx context.Context, subject models.Subject) error {
	record, err := r.mailboxes.BySubject(ctx, subject.ID)
	if err != nil {
		return err
	}

	if record == nil {
		log.WarnContext(ctx).
			Msg("deletion for a subject without a mailbox")

		return nil
	}

	if record.State == models.MailboxPurged {
		log.DebugContext(ctx).
			Str("address", record.Address).
			Msg("mailbox already purged")

		return nil
	}

	if _, err := r.mailboxes.Archive(ctx, record.Address, "retention"); err != nil {
		return err
	}

	if err := r.mailboxes.SetState(ctx, record.Address, models.MailboxArchived); err != nil {
		return err
	}

	if err := r.aliases.UnbindMember(ctx, record.Address); err != nil {
		return err
	}

	// Splitting an empty path would yield a single empty element and render a group address
	// without a local part.
	var orgUnit []string
	if record.OrgUnit != "" {
		orgUnit = strings.Split(record.OrgUnit, "/")
	}

	return r.refreshGroup(ctx, orgUnit)
}

// ensureProvisioned returns the mailbox record of a subject and provisions one first, when the
// subject is unknown. Events may arrive for unknown subjects after a missed creation, they imply
// the mailbox. A subject without attributes cannot be provisioned and is skipped.
func (r *Reconciler) ensureProvisioned(
	ctx context.Context,
	subject models.Subject,
) (*models.MailboxEntity, error) {
	record, err := r.mailboxes.BySubject(ctx, subject.ID)
	if err != nil || record != nil {
		return record, err
	}

	if subject.UID == "" {
		log.WarnContext(ctx).
			Msg("event for an unknown subject without attributes")

		return nil, nil
	}

	if err := r.applyCreated(ctx, subject); err != nil {
		return nil, err
	}

	return r.mailboxes.BySubject(ctx, subject.ID)
}

// chooseAddress finds the lowest free address for a subject. The rendered address is probed
// first, then numeric suffixes starting at 2. An address owned by the subject itself counts as
// free, so replays after a partial create settle on the same address.
func (r *Reconciler) chooseAddress(
	ctx context.Context,
	subjectID, expected string,
) (string, error) {
	for suffix := 1; ; suffix++ {
		candidate := expected
		if suffix > 1 {
			candidate = policy.AddressWithSuffix(expected, suffix)
		}

		owner, err := r.mailboxes.ByAddress(ctx, candidate)
		if err != nil {
			return "", err
		}

		if owner == nil || owner.SubjectID == subjectID {
			return candidate, nil
		}
	}
}

// refreshGroup recomputes the auto group alias of an organizational unit from the currently
// active mailboxes.
func (r *Reconciler) refreshGroup(ctx context.Context, orgUnit []string) error {
	groupAddress := r.resolver.GroupAddress(orgUnit)
	if groupAddress == "" {
		return nil
	}

	records, err := r.mailboxes.ActiveByOrgUnit(ctx, strings.Join(orgUnit, "/"))
	if err != nil {
		return err
	}

	members := make([]string, len(records))
	for i, record := range records {
		members[i] = record.Address
	}

	return r.aliases.RecomputeGroup(ctx, groupAddress, members)
}

func (r *Reconciler) conflict(
	ctx context.Context,
	subject models.Subject,
	reason, detail string,
) error {
	record := models.ConflictEntity{
		SubjectID: subject.ID,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: r.clock().Unix(),
	}

	if err := r.conflictDao.Insert(ctx, r.conn, &record); err != nil {
		return err
	}

	log.WarnContext(ctx).
		Str("reason", reason).
		Str("detail", detail).
		Msg("reconciliation conflict")

	return fmt.Errorf("%w: %s", ErrConflict, reason)
}

// derivedFrom reports whether an assigned address is the expected address or a suffixed variant
// of it.
func derivedFrom(address, expected string) bool {
	if address == expected {
		return true
	}

	at := strings.IndexByte(expected, '@')
	if at < 0 {
		return false
	}

	local, domain := expected[:at], expected[at:]

	if !strings.HasPrefix(address, local) || !strings.HasSuffix(address, domain) {
		return false
	}

	middle := address[len(local) : len(address)-len(domain)]
	suffix, err := strconv.Atoi(middle)

	return err == nil && suffix >= 2
}
