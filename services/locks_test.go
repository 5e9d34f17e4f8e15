package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GrainArc/MapRectify/models"
	"gorm.io/gorm"
)

func newSession(t *testing.T, env *testEnv, typ models.SessionType, user string) *models.Session {
	t.Helper()
	s := &models.Session{Type: typ, Stage: models.StageInput, Status: models.StatusInput, Username: user}
	if err := env.db.Create(s).Error; err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLockAcquire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.locks.SetClock(func() time.Time { return now })

	a := newSession(t, env, models.SessionPreparation, "alice")
	b := newSession(t, env, models.SessionPreparation, "bob")
	target := models.DocumentTarget(7)

	lock, ok, err := env.locks.Acquire(ctx, a, target)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if want := now.Add(600 * time.Second); !lock.ExpirationTime.Equal(want) {
		t.Fatalf("expiration = %v, want %v", lock.ExpirationTime, want)
	}

	if _, ok, err := env.locks.Acquire(ctx, b, target); err != nil || ok {
		t.Fatalf("second session acquired a live lock: ok=%v err=%v", ok, err)
	}

	now = now.Add(time.Minute)
	again, ok, err := env.locks.Acquire(ctx, a, target)
	if err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}
	if again.ID != lock.ID {
		t.Fatalf("re-acquire created a new lock %d, want %d extended", again.ID, lock.ID)
	}
	var count int64
	env.db.Model(&models.SessionLock{}).Where("target_kind = ? AND target_id = ?", target.Kind, target.ID).Count(&count)
	if count != 1 {
		t.Fatalf("%d locks on target, want 1", count)
	}

	now = now.Add(time.Hour)
	if _, ok, err := env.locks.Acquire(ctx, b, target); err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	live, err := env.locks.LockFor(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if live == nil || live.SessionID != b.ID {
		t.Fatalf("live lock = %+v, want session %d", live, b.ID)
	}
	if err := env.db.First(&models.Session{}, a.ID).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("session whose lock was taken over still exists: %v", err)
	}
	env.db.Model(&models.SessionLock{}).Where("session_id = ?", a.ID).Count(&count)
	if count != 0 {
		t.Fatalf("stale session kept %d locks", count)
	}
}

func TestLockExtendAndRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.locks.SetClock(func() time.Time { return now })

	s := newSession(t, env, models.SessionGeoreference, "alice")
	l1, _, _ := env.locks.Acquire(ctx, s, models.RegionTarget(1))
	env.locks.Acquire(ctx, s, models.LayerTarget(2))

	now = now.Add(2 * time.Minute)
	if err := env.locks.ExtendSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	var got models.SessionLock
	env.db.First(&got, l1.ID)
	if want := l1.ExpirationTime.Add(600 * time.Second); !got.ExpirationTime.Equal(want) {
		t.Fatalf("extended to %v, want %v", got.ExpirationTime, want)
	}

	if err := env.locks.Release(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	lock, err := env.locks.LockFor(ctx, models.RegionTarget(1))
	if err != nil || lock != nil {
		t.Fatalf("lock after release = %v, %v", lock, err)
	}
	if err := env.locks.ExtendSession(ctx, s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("extending a session without locks: %v", err)
	}
}

func TestLockSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.locks.SetClock(func() time.Time { return now })

	idle := newSession(t, env, models.SessionPreparation, "idle")
	active := newSession(t, env, models.SessionPreparation, "active")
	running := newSession(t, env, models.SessionGeoreference, "running")
	env.locks.Acquire(ctx, idle, models.DocumentTarget(1))
	env.locks.Acquire(ctx, running, models.RegionTarget(1))
	env.db.Model(running).Update("stage", models.StageProcessing)

	now = now.Add(11 * time.Minute)
	env.locks.Acquire(ctx, active, models.DocumentTarget(2))

	n, err := env.locks.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	var remaining []uint
	env.db.Model(&models.Session{}).Order("id").Pluck("id", &remaining)
	if len(remaining) != 2 || remaining[0] != active.ID || remaining[1] != running.ID {
		t.Fatalf("remaining sessions = %v", remaining)
	}
	var locks int64
	env.db.Model(&models.SessionLock{}).Where("session_id = ?", idle.ID).Count(&locks)
	if locks != 0 {
		t.Fatalf("idle session still has %d locks", locks)
	}
}

func TestLockSweepRemovesLocklessSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	env.locks.SetClock(func() time.Time { return now })

	orphan := newSession(t, env, models.SessionPreparation, "alice")
	fresh := newSession(t, env, models.SessionPreparation, "bob")
	env.db.Model(orphan).UpdateColumn("modified_at", now.Add(-time.Hour))

	n, err := env.locks.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	var remaining []uint
	env.db.Model(&models.Session{}).Pluck("id", &remaining)
	if len(remaining) != 1 || remaining[0] != fresh.ID {
		t.Fatalf("remaining sessions = %v", remaining)
	}
}

func TestStaleSessionCannotRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	env.locks.SetClock(func() time.Time { return now })
	m := env.createMap(t, "vol1")
	doc := env.createDocument(t, m.ID, "vol1-p1", 40, 30)
	region := env.createRegion(t, doc, "vol1-p1")

	alice, res, err := env.sessions.StartGeoreference(ctx, region.ID, "alice")
	if err != nil || !res.Success {
		t.Fatalf("alice start: %+v %v", res, err)
	}
	if _, err := env.sessions.UpdateGeorefData(ctx, alice.ID, georefData(3)); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Hour)
	if err := env.sessions.RequireLiveLock(ctx, alice); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expired lock accepted: %v", err)
	}
	if err := env.sessions.Run(ctx, alice.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("run without a live lock: %v", err)
	}
	if res, err := env.sessions.Extend(ctx, alice.ID); err == nil && res.Success {
		t.Fatal("extended a session whose lock expired")
	}

	bob, res, err := env.sessions.StartGeoreference(ctx, region.ID, "bob")
	if err != nil || !res.Success {
		t.Fatalf("bob start after expiry: %+v %v", res, err)
	}
	if err := env.sessions.Run(ctx, alice.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("stale session survived takeover: %v", err)
	}
	if err := env.sessions.RequireLiveLock(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if len(env.engine.callsOf("warp")) != 0 {
		t.Fatal("stale session reached the warp")
	}
}
