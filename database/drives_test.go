package database

import (
	"context"
	"testing"
	"time"

	"go-idmlock/idm"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDrives(t *testing.T) {
	var (
		newDrives = func(t *testing.T) *Drives {
			var db = SetupTestDatabase(t)
			var d, err = NewDrives(db, "test_idm")
			require.NoError(t, err)
			return d
		}
		newLockID = func(t *testing.T) idm.LockID {
			var id, err = idm.NewLockID(uuid.New(), uuid.New())
			require.NoError(t, err)
			return id
		}
		ctx = context.Background()
	)

	t.Run("should reject unsafe table names", func(t *testing.T) {
		assert.ErrorIs(t, ValidateTableName("Drop;Table"), ErrInvalidTableName)
		assert.NoError(t, ValidateTableName("idm_drives"))
	})

	t.Run("should persist grants across commands", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDrives(t)
			id    = newLockID(t)
			hostA = idm.RandomHostID()
			hostB = idm.RandomHostID()
		)

		// Act
		var a = sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbAcquire, Lock: id, Host: hostA, Mode: idm.ModeExclusive, Timeout: time.Minute})
		var b = sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbAcquire, Lock: id, Host: hostB, Mode: idm.ModeExclusive, Timeout: time.Minute})
		var count = sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbHostCount, Lock: id, Host: hostB})

		// Assert
		assert.Equal(t, 0, a.Code)
		assert.Equal(t, -int(unix.EBUSY), b.Code)
		assert.Equal(t, 1, count.Count)
		assert.False(t, count.Self)
	})

	t.Run("should keep the lvb written on release", func(t *testing.T) {
		// Arrange
		var (
			sut  = newDrives(t)
			id   = newLockID(t)
			host = idm.RandomHostID()
		)
		sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbAcquire, Lock: id, Host: host, Mode: idm.ModeExclusive, Timeout: time.Minute})

		// Act
		var rel = sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbRelease, Lock: id, Host: host, LVB: idm.LVBFromUint64(7), HasLVB: true})
		var read = sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbReadLVB, Lock: id, Host: host})
		var mode = sut.Execute(ctx, "/dev/sg1", idm.Command{Verb: idm.VerbMode, Lock: id, Host: host})

		// Assert
		assert.Equal(t, 0, rel.Code)
		assert.Equal(t, uint64(7), read.LVB.Uint64())
		assert.Equal(t, idm.ModeUnlock, mode.Mode)
	})
}
