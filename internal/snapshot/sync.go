package snapshot

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
	"github.com/dss-project/dss/internal/wire"
)

// RateEventRetention is how long rate_events rows are kept (spec §6).
const RateEventRetention = time.Hour

// StartSync periodically snapshots every live session in r into the
// sessions/participants tables, mirroring the teacher's BandwidthMeter's
// periodic DB sync (internal/relay/bandwidth.go StartSync) but driven off
// the registry instead of an in-memory counter map.
func (s *Store) StartSync(ctx context.Context, r *registry.Registry, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.syncOnce(r)
			}
		}
	}()
}

func (s *Store) syncOnce(r *registry.Registry) {
	var records []registry.Record
	r.Range(func(sess *registry.Session) bool {
		records = append(records, sess.Record())
		return true
	})
	for _, rec := range records {
		if err := s.writeRecord(rec); err != nil {
			continue
		}
	}
}

func (s *Store) writeRecord(rec registry.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	var hostParticipantID *string
	if rec.HostSet {
		s := hex.EncodeToString(rec.HostParticipantID[:])
		hostParticipantID = &s
	}
	var passwordHash *string
	if rec.PasswordHash != "" {
		passwordHash = &rec.PasswordHash
	}

	_, err = tx.Exec(`INSERT INTO sessions
		(session_id, session_string, host_identity, capabilities, max_participants, password_hash,
		 expose_ip_publicly, session_type, server_address, server_port, host_participant_id,
		 created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			password_hash = excluded.password_hash,
			expose_ip_publicly = excluded.expose_ip_publicly,
			session_type = excluded.session_type,
			server_address = excluded.server_address,
			server_port = excluded.server_port,
			host_participant_id = excluded.host_participant_id,
			expires_at_ms = excluded.expires_at_ms`,
		hex.EncodeToString(rec.ID[:]), rec.SessionString, rec.HostIdentity[:], rec.Capabilities,
		rec.MaxParticipants, passwordHash, rec.ExposeIPPublicly, int(rec.SessionType),
		rec.ServerAddress, rec.ServerPort, hostParticipantID, rec.CreatedAtMs, rec.ExpiresAtMs)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM participants WHERE session_id = ?`, hex.EncodeToString(rec.ID[:])); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, p := range rec.Participants {
		_, err := tx.Exec(`INSERT INTO participants (session_id, participant_id, identity, joined_at_ms)
			VALUES (?, ?, ?, ?)`,
			hex.EncodeToString(rec.ID[:]), hex.EncodeToString(p.ID[:]), p.Identity[:], p.JoinedAtMs)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteSession removes a session's rows immediately, used when a session
// is torn down between sync ticks (e.g. AdminDelete or the last participant
// leaving).
func (s *Store) DeleteSession(id wire.SessionID) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, hex.EncodeToString(id[:]))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Replay reconstructs every non-expired session from the last snapshot into
// r, discarding rows whose expires_at_ms has already passed (spec §6
// "startup replay discards expired rows").
func (s *Store) Replay(r *registry.Registry, nowMs int64) error {
	rows, err := s.db.Query(`SELECT session_id, session_string, host_identity, capabilities, max_participants,
		password_hash, expose_ip_publicly, session_type, server_address, server_port, host_participant_id,
		created_at_ms, expires_at_ms FROM sessions WHERE expires_at_ms >= ?`, nowMs)
	if err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var pending []registry.Record
	for rows.Next() {
		var rec registry.Record
		var sessionIDHex, hostIdentity string
		var passwordHash, hostParticipantIDHex sql.NullString
		var sessionType int
		if err := rows.Scan(&sessionIDHex, &rec.SessionString, &hostIdentity, &rec.Capabilities,
			&rec.MaxParticipants, &passwordHash, &rec.ExposeIPPublicly, &sessionType,
			&rec.ServerAddress, &rec.ServerPort, &hostParticipantIDHex, &rec.CreatedAtMs, &rec.ExpiresAtMs); err != nil {
			return fmt.Errorf("scan session: %w", err)
		}
		if err := decodeFixed(sessionIDHex, rec.ID[:]); err != nil {
			return fmt.Errorf("decode session id: %w", err)
		}
		rec.SessionType = wire.SessionType(sessionType)
		if passwordHash.Valid {
			rec.PasswordHash = passwordHash.String
		}
		if hostParticipantIDHex.Valid {
			if err := decodeFixed(hostParticipantIDHex.String, rec.HostParticipantID[:]); err != nil {
				return fmt.Errorf("decode host participant id: %w", err)
			}
			rec.HostSet = true
		}
		pending = append(pending, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate sessions: %w", err)
	}

	for i := range pending {
		participants, err := s.loadParticipants(pending[i].ID)
		if err != nil {
			return err
		}
		pending[i].Participants = participants
		r.Restore(pending[i])
	}
	return nil
}

func (s *Store) loadParticipants(sessionID wire.SessionID) ([]registry.Participant, error) {
	rows, err := s.db.Query(`SELECT participant_id, identity, joined_at_ms FROM participants WHERE session_id = ?`,
		hex.EncodeToString(sessionID[:]))
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []registry.Participant
	for rows.Next() {
		var p registry.Participant
		var participantIDHex string
		var identity []byte
		if err := rows.Scan(&participantIDHex, &identity, &p.JoinedAtMs); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if err := decodeFixed(participantIDHex, p.ID[:]); err != nil {
			return nil, fmt.Errorf("decode participant id: %w", err)
		}
		copy(p.Identity[:], identity)
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeFixed(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("unexpected length %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// RecordEvent implements ratelimit.EventRecorder, persisting every
// allow/deny decision so state survives a restart (spec §4.6, §6).
func (s *Store) RecordEvent(ip string, class ratelimit.Class, allowed bool, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO rate_events (ip, class, allowed, occurred_at_ms) VALUES (?, ?, ?, ?)`,
		ip, class.String(), allowed, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record rate event: %w", err)
	}
	return nil
}

// LoadRecentEvents implements ratelimit.EventLoader, returning every
// recorded decision from the last window in chronological order so
// ratelimit.New can replay them to pre-charge token buckets across a
// restart (spec §4.6).
func (s *Store) LoadRecentEvents(window time.Duration) ([]ratelimit.RecordedEvent, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.Query(`SELECT ip, class, allowed, occurred_at_ms FROM rate_events
		WHERE occurred_at_ms >= ? ORDER BY occurred_at_ms ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query rate events: %w", err)
	}
	defer rows.Close()

	var out []ratelimit.RecordedEvent
	for rows.Next() {
		var ip, class string
		var allowed bool
		var occurredMs int64
		if err := rows.Scan(&ip, &class, &allowed, &occurredMs); err != nil {
			return nil, fmt.Errorf("scan rate event: %w", err)
		}
		parsed, ok := ratelimit.ParseClass(class)
		if !ok {
			continue
		}
		out = append(out, ratelimit.RecordedEvent{
			IP:       ip,
			Class:    parsed,
			Allowed:  allowed,
			Occurred: time.UnixMilli(occurredMs),
		})
	}
	return out, rows.Err()
}

// PruneRateEvents deletes rate_events rows older than RateEventRetention.
func (s *Store) PruneRateEvents(now time.Time) error {
	cutoff := now.Add(-RateEventRetention).UnixMilli()
	_, err := s.db.Exec(`DELETE FROM rate_events WHERE occurred_at_ms < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune rate events: %w", err)
	}
	return nil
}

// StartRetentionSweep periodically prunes expired rate_events rows.
func (s *Store) StartRetentionSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.PruneRateEvents(time.Now())
			}
		}
	}()
}

var _ ratelimit.EventRecorder = (*Store)(nil)
var _ ratelimit.EventLoader = (*Store)(nil)
