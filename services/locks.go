package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/models"
	"gorm.io/gorm"
)

// LockManager hands out time limited exclusive locks on Documents, Regions and
// Layers. Locks are advisory: callers check LockFor before opening a session.
type LockManager struct {
	db     *gorm.DB
	length time.Duration
	now    func() time.Time
}

func NewLockManager(db *gorm.DB, cfg *config.Config) *LockManager {
	return &LockManager{db: db, length: cfg.SessionLength(), now: time.Now}
}

// SetClock replaces the time source.
func (m *LockManager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire locks target for session. ok is false, with no error, when another
// session holds a live lock on the target. A live lock already held by the same
// session is extended instead of duplicated.
func (m *LockManager) Acquire(ctx context.Context, session *models.Session, target models.Target) (*models.SessionLock, bool, error) {
	var lock *models.SessionLock
	acquired := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now()
		var existing []models.SessionLock
		if err := tx.Where("target_kind = ? AND target_id = ?", target.Kind, target.ID).Find(&existing).Error; err != nil {
			return err
		}
		for i := range existing {
			l := existing[i]
			if !l.Live(now) {
				if l.SessionID != session.ID {
					reaped, err := reapInputSessions(tx, []uint{l.SessionID})
					if err != nil {
						return err
					}
					if len(reaped) > 0 {
						log.Printf("%s | removed stale session %d whose lock had expired", target, l.SessionID)
					}
				}
				if err := tx.Delete(&l).Error; err != nil {
					return err
				}
				continue
			}
			if l.SessionID != session.ID {
				log.Printf("%s | %s already locked by session %d", session, target, l.SessionID)
				return nil
			}
			l.ExpirationTime = now.Add(m.length)
			if err := tx.Save(&l).Error; err != nil {
				return err
			}
			lock, acquired = &l, true
			return nil
		}
		l := models.SessionLock{
			SessionID:      session.ID,
			TargetKind:     target.Kind,
			TargetID:       target.ID,
			Username:       session.Username,
			ExpirationTime: now.Add(m.length),
		}
		if err := tx.Create(&l).Error; err != nil {
			return err
		}
		lock, acquired = &l, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return lock, acquired, nil
}

// Extend pushes the expiration of one lock forward by the session length.
func (m *LockManager) Extend(ctx context.Context, lock *models.SessionLock) error {
	lock.ExpirationTime = m.extended(lock.ExpirationTime)
	return m.db.WithContext(ctx).Model(lock).Update("expiration_time", lock.ExpirationTime).Error
}

// ExtendSession extends every lock owned by the session. A session without
// live locks has been released, reaped or timed out and gets ErrSessionExpired.
func (m *LockManager) ExtendSession(ctx context.Context, sessionID uint) error {
	var locks []models.SessionLock
	if err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&locks).Error; err != nil {
		return err
	}
	if len(locks) == 0 {
		return fmt.Errorf("session %d: %w", sessionID, ErrSessionExpired)
	}
	now := m.now()
	for _, l := range locks {
		if !l.Live(now) {
			return fmt.Errorf("session %d: %w", sessionID, ErrSessionExpired)
		}
	}
	for i := range locks {
		if err := m.Extend(ctx, &locks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *LockManager) extended(exp time.Time) time.Time {
	now := m.now()
	if exp.Before(now) {
		exp = now
	}
	return exp.Add(m.length)
}

// Release deletes every lock owned by the session.
func (m *LockManager) Release(ctx context.Context, sessionID uint) error {
	return m.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.SessionLock{}).Error
}

// HeldBy reports whether the session owns a live lock on target.
func (m *LockManager) HeldBy(ctx context.Context, sessionID uint, target models.Target) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.SessionLock{}).
		Where("session_id = ? AND target_kind = ? AND target_id = ? AND expiration_time > ?",
			sessionID, target.Kind, target.ID, m.now()).
		Count(&count).Error
	return count > 0, err
}

// LockFor returns the live lock on target, or nil.
func (m *LockManager) LockFor(ctx context.Context, target models.Target) (*models.SessionLock, error) {
	var lock models.SessionLock
	err := m.db.WithContext(ctx).
		Where("target_kind = ? AND target_id = ? AND expiration_time > ?", target.Kind, target.ID, m.now()).
		Order("expiration_time desc").
		Limit(1).
		Find(&lock).Error
	if err != nil {
		return nil, err
	}
	if lock.ID == 0 {
		return nil, nil
	}
	return &lock, nil
}

// LocksFor returns the live locks on the given targets keyed by target.
func (m *LockManager) LocksFor(ctx context.Context, kind models.TargetKind, ids []uint) (map[uint]*models.SessionLock, error) {
	out := map[uint]*models.SessionLock{}
	if len(ids) == 0 {
		return out, nil
	}
	var locks []models.SessionLock
	err := m.db.WithContext(ctx).
		Where("target_kind = ? AND target_id IN ? AND expiration_time > ?", kind, ids, m.now()).
		Find(&locks).Error
	if err != nil {
		return nil, err
	}
	for i := range locks {
		out[locks[i].TargetID] = &locks[i]
	}
	return out, nil
}

// Sweep deletes sessions whose lock has expired while they were still waiting
// for user input, together with their locks. Input sessions left without any
// lock for longer than the session length go too. Locks of sessions that are
// processing or finished are left alone. It returns the number of sessions removed.
func (m *LockManager) Sweep(ctx context.Context) (int, error) {
	db := m.db.WithContext(ctx)
	var locks []models.SessionLock
	if err := db.Find(&locks).Error; err != nil {
		return 0, err
	}
	now := m.now()
	expired := map[uint]bool{}
	owners := map[uint]bool{}
	for _, l := range locks {
		owners[l.SessionID] = true
		if !l.Live(now) {
			expired[l.SessionID] = true
		}
	}
	log.Printf("%d SessionLock(s) currently exist from %d sessions", len(locks), len(owners))
	ids := make([]uint, 0, len(expired))
	for id := range expired {
		ids = append(ids, id)
	}

	var stale []uint
	err := db.Transaction(func(tx *gorm.DB) error {
		var unlocked []uint
		q := tx.Model(&models.Session{}).
			Where("stage = ? AND modified_at < ?", models.StageInput, now.Add(-m.length))
		if len(owners) > 0 {
			held := make([]uint, 0, len(owners))
			for id := range owners {
				held = append(held, id)
			}
			q = q.Where("id NOT IN ?", held)
		}
		if err := q.Pluck("id", &unlocked).Error; err != nil {
			return err
		}
		var err error
		stale, err = reapInputSessions(tx, append(ids, unlocked...))
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		log.Printf("deleted %d stale session(s): %v", len(stale), stale)
	}
	return len(stale), nil
}

// reapInputSessions deletes those of ids still waiting for user input, with
// all their locks, and returns the deleted ids.
func reapInputSessions(tx *gorm.DB, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var stale []uint
	if err := tx.Model(&models.Session{}).
		Where("id IN ? AND stage = ?", ids, models.StageInput).
		Pluck("id", &stale).Error; err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := tx.Where("session_id IN ?", stale).Delete(&models.SessionLock{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("id IN ?", stale).Delete(&models.Session{}).Error; err != nil {
		return nil, err
	}
	return stale, nil
}
