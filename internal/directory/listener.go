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
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/spf13/viper"

	"github.com/lukasdietrich/postmeister/internal/log"
	"github.com/lukasdietrich/postmeister/internal/models"
)

func init() {
	viper.SetDefault("directory.watchous", []string{})
	viper.SetDefault("directory.pollinterval", "10s")
}

const (
	reconnectBackoffBase = time.Second
	reconnectBackoffCap  = time.Minute
)

var subjectAttributes = []string{
	attrUniqueID,
	attrUID,
	attrGivenName,
	attrSurname,
	attrMail,
	attrLock,
}

var changelogAttributes = []string{
	attrChangeNumber,
	attrChangeType,
	attrTargetDN,
	attrTargetUniqueID,
	attrChanges,
}

// CursorSource provides the durable resume position of the change stream.
type CursorSource interface {
	Load(ctx context.Context) (*models.CursorEntity, error)
}

// Listener tails the retro changelog of the directory and turns raw changes into provisioning
// events. Events are emitted in changelog order. The listener never persists anything itself,
// it resumes from the cursor, which advances only after an event is fully applied.
type Listener struct {
	cursors CursorSource
	dial    Dialer
	events  chan<- models.Event

	baseDN       string
	changelogDN  string
	watchOUs     []string
	pollInterval time.Duration
	pageSize     uint32
}

// NewListener creates a new change listener using the configuration from viper.
//
// `directory.basedn` is the search base for subjects.
// `directory.changelogdn` is the base of the retro changelog.
// `directory.watchous` are the organizational units to watch, relative to the base dn
// (eg. "ou=students,ou=people"). An empty list watches the whole base dn.
// `directory.pollinterval` is the delay between changelog polls.
func NewListener(cursors CursorSource, dial Dialer, events chan models.Event) *Listener {
	baseDN := normalizeDN(viper.GetString("directory.basedn"))

	var watchOUs []string
	for _, ou := range viper.GetStringSlice("directory.watchous") {
		watchOUs = append(watchOUs, normalizeDN(ou)+","+baseDN)
	}

	return &Listener{
		cursors: cursors,
		dial:    dial,
		events:  events,

		baseDN:       baseDN,
		changelogDN:  viper.GetString("directory.changelogdn"),
		watchOUs:     watchOUs,
		pollInterval: viper.GetDuration("directory.pollinterval"),
		pageSize:     uint32(viper.GetInt("directory.pagesize")),
	}
}

// Run connects to the directory and emits events until the context is cancelled. Transport
// errors lead to a reconnect with backoff. The resume position is re-read from the cursor after
// every disconnect, so no event is ever skipped.
func (l *Listener) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		polled, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if polled {
			attempt = 0
		}

		delay := reconnectDelay(attempt)

		log.Warn().
			Err(err).
			Dur("delay", delay).
			Msg("directory session lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs a single connected session. It returns whether at least one poll succeeded, to
// reset the reconnect backoff.
func (l *Listener) session(ctx context.Context) (bool, error) {
	conn, err := l.dial()
	if err != nil {
		return false, err
	}

	defer conn.Close()

	cursor, err := l.cursors.Load(ctx)
	if err != nil {
		return false, err
	}

	var after int64

	if cursor == nil || cursor.Token == "" {
		if after, err = l.bootstrap(ctx, conn); err != nil {
			return false, err
		}
	} else {
		if after, err = strconv.ParseInt(cursor.Token, 10, 64); err != nil {
			return false, fmt.Errorf("malformed cursor token %q: %w", cursor.Token, err)
		}
	}

	return l.poll(ctx, conn, after)
}

// bootstrap scans all watched organizational units and synthesizes events for every existing
// subject. The changelog position is captured before the scan, so changes during the scan are
// replayed afterwards. Replaying onto an already provisioned subject is harmless, because every
// event application is idempotent.
//
// Only the last synthesized event carries a resume token. A crash mid-bootstrap leaves the
// cursor empty and the next start scans again.
func (l *Listener) bootstrap(ctx context.Context, conn Conn) (int64, error) {
	last, err := l.lastChangeNumber(conn)
	if err != nil {
		return 0, err
	}

	entries, err := l.scanSubjects(conn)
	if err != nil {
		return 0, err
	}

	var events []models.Event

	for _, entry := range entries {
		subject := subjectFromEntry(entry)

		events = append(events, models.Event{
			Kind:    models.EventCreated,
			Subject: subject,
		})

		if subject.Status == models.StatusDisabled {
			events = append(events, models.Event{
				Kind:    models.EventDisabled,
				Subject: subject,
			})
		}
	}

	// Synthetic sequence numbers are laid out directly below the captured changelog position,
	// so that changelog events always sort after bootstrap events.
	n := int64(len(events))

	for i := range events {
		events[i].Sequence = last - n + int64(i) + 1
	}

	if n > 0 {
		events[n-1].Token = strconv.FormatInt(last, 10)
	}

	log.Info().
		Int("subjects", len(entries)).
		Int64("changelog", last).
		Msg("bootstrap scan complete")

	for _, event := range events {
		if err := l.emit(ctx, event); err != nil {
			return 0, err
		}
	}

	return last, nil
}

// lastChangeNumber reads the current changelog high mark from the root dse.
func (l *Listener) lastChangeNumber(conn Conn) (int64, error) {
	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)",
		[]string{"lastChangeNumber"},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		return 0, err
	}

	if len(res.Entries) == 0 {
		return 0, nil
	}

	raw := res.Entries[0].GetAttributeValue("lastChangeNumber")
	if raw == "" {
		return 0, nil
	}

	return strconv.ParseInt(raw, 10, 64)
}

// scanSubjects returns all person entries of the watched organizational units.
func (l *Listener) scanSubjects(conn Conn) ([]*ldap.Entry, error) {
	bases := l.watchOUs
	if len(bases) == 0 {
		bases = []string{l.baseDN}
	}

	var entries []*ldap.Entry

	for _, base := range bases {
		req := ldap.NewSearchRequest(
			base,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			0, 0, false,
			"(objectClass=person)",
			subjectAttributes,
			nil,
		)

		res, err := conn.SearchWithPaging(req, l.pageSize)
		if err != nil {
			return nil, err
		}

		entries = append(entries, res.Entries...)
	}

	return entries, nil
}

// poll tails the changelog starting after the given change number.
func (l *Listener) poll(ctx context.Context, conn Conn, after int64) (bool, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	var polled bool

	for {
		changes, err := l.fetchChanges(conn, after)
		if err != nil {
			return polled, err
		}

		polled = true

		for _, change := range changes {
			if err := l.handle(ctx, conn, change); err != nil {
				return polled, err
			}

			after = change.Number
		}

		select {
		case <-ctx.Done():
			return polled, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchChanges returns all changelog records after the given change number affecting watched
// entries, ordered by change number.
func (l *Listener) fetchChanges(conn Conn, after int64) ([]changeRecord, error) {
	req := ldap.NewSearchRequest(
		l.changelogDN,
		ldap.ScopeSingleLevel,
		ldap.NeverDerefAliases,
		0, 0, false,
		fmt.Sprintf("(changeNumber>=%d)", after+1),
		changelogAttributes,
		nil,
	)

	res, err := conn.SearchWithPaging(req, l.pageSize)
	if err != nil {
		return nil, err
	}

	var changes []changeRecord

	for _, entry := range res.Entries {
		number, err := strconv.ParseInt(entry.GetAttributeValue(attrChangeNumber), 10, 64)
		if err != nil {
			log.Warn().
				Str("dn", entry.DN).
				Msg("changelog record without a change number")

			continue
		}

		change := changeRecord{
			Number:         number,
			TargetDN:       entry.GetAttributeValue(attrTargetDN),
			TargetUniqueID: entry.GetAttributeValue(attrTargetUniqueID),
			Type:           strings.ToLower(entry.GetAttributeValue(attrChangeType)),
			Changes:        entry.GetAttributeValue(attrChanges),
		}

		if !l.watched(change.TargetDN) {
			continue
		}

		changes = append(changes, change)
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Number < changes[j].Number
	})

	return changes, nil
}

// handle turns a single changelog record into an event, if it has a provisioning meaning.
func (l *Listener) handle(ctx context.Context, conn Conn, change changeRecord) error {
	var subject *models.Subject

	if change.Type == "add" || change.Type == "modify" {
		entry, err := l.lookup(conn, change.TargetDN)
		if err != nil {
			return err
		}

		if entry == nil {
			// The entry is already gone again. The pending delete record covers it.
			return nil
		}

		snapshot := subjectFromEntry(entry)
		subject = &snapshot
	}

	event, ok := normalize(change, subject)
	if !ok {
		log.Trace().
			Int64("sequence", change.Number).
			Str("dn", change.TargetDN).
			Str("type", change.Type).
			Msg("changelog record without provisioning meaning")

		return nil
	}

	return l.emit(ctx, event)
}

// lookup fetches the current state of an entry. It returns nil if the entry does not exist.
func (l *Listener) lookup(conn Conn, dn string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)",
		subjectAttributes,
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}

		return nil, err
	}

	if len(res.Entries) == 0 {
		return nil, nil
	}

	return res.Entries[0], nil
}

func (l *Listener) emit(ctx context.Context, event models.Event) error {
	log.Debug().
		Str("subject", event.Subject.ID).
		Int64("sequence", event.Sequence).
		Stringer("kind", event.Kind).
		Msg("event emitted")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.events <- event:
		return nil
	}
}

// watched reports whether a dn lies within a watched organizational unit.
func (l *Listener) watched(dn string) bool {
	normalized := normalizeDN(dn)

	suffixes := l.watchOUs
	if len(suffixes) == 0 {
		suffixes = []string{l.baseDN}
	}

	for _, suffix := range suffixes {
		if strings.HasSuffix(normalized, ","+suffix) {
			return true
		}
	}

	return false
}

func normalizeDN(dn string) string {
	return strings.ToLower(strings.ReplaceAll(dn, ", ", ","))
}

// reconnectDelay returns a random delay up to an exponentially growing ceiling.
func reconnectDelay(attempt int) time.Duration {
	ceiling := reconnectBackoffBase << uint(attempt)
	if attempt > 6 || ceiling > reconnectBackoffCap {
		ceiling = reconnectBackoffCap
	}

	return time.Duration(rand.Int63n(int64(ceiling))) + time.Millisecond
}
