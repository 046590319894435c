package pagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
)

// memJournal 记录前镜像，用来模拟回滚
type memJournal struct {
	images []Image
	fail   error
}

func (j *memJournal) LogBeforeImage(idx PageIndex, before []byte) error {
	if j.fail != nil {
		return j.fail
	}
	var data []byte
	if before != nil {
		data = append([]byte(nil), before...)
	}
	j.images = append(j.images, Image{Index: idx, Data: data})
	return nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PageSize = common.MinPageSize
	opts.CachePages = 8
	opts.SyncWrites = false
	return opts
}

func openTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, s.CompleteRecovery())
	t.Cleanup(func() { s.Close() })
	return s, path
}

func heapPage(s *FileStore, idx PageIndex, fill byte) []byte {
	p := NewPage(s.PageSize(), idx, common.FIL_PAGE_TYPE_HEAP)
	for i := common.FileHeaderSize; i < len(p); i++ {
		p[i] = fill
	}
	return p
}

func TestOpenInitializesHeader(t *testing.T) {
	s, path := openTestStore(t)

	h := s.Header()
	assert.Equal(t, uint32(1), h.PageCount)
	assert.Equal(t, uint32(common.MinPageSize), h.PageSize)
	assert.Equal(t, InvalidPage, h.CatalogRoot)
	assert.Equal(t, InvalidPage, h.FreeHead)
	assert.NotEqual(t, [16]byte{}, [16]byte(h.DatabaseID))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(common.MinPageSize), st.Size())
}

// recordSyncDir 替换syncDir，记录被fsync的目录
func recordSyncDir(t *testing.T) *[]string {
	t.Helper()
	var synced []string
	orig := syncDir
	syncDir = func(dir string) error {
		synced = append(synced, dir)
		return orig(dir)
	}
	t.Cleanup(func() { syncDir = orig })
	return &synced
}

func TestCreateSyncsParentDir(t *testing.T) {
	synced := recordSyncDir(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	opts := testOptions()
	opts.SyncWrites = true

	s, err := Open(path, opts)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, []string{dir}, *synced)

	// 已存在的文件不再fsync目录
	s, err = Open(path, opts)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Len(t, *synced, 1)

	// sync_writes关闭时不fsync
	opts.SyncWrites = false
	s, err = Open(filepath.Join(dir, "nosync.db"), opts)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Len(t, *synced, 1)
}

func TestOperationsRequireRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testOptions())
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.NeedsRecovery())
	_, err = s.Read(1)
	assert.ErrorIs(t, err, basic.ErrRecoveryRequired)
	assert.ErrorIs(t, s.AttachJournal(&memJournal{}), basic.ErrRecoveryRequired)

	require.NoError(t, s.CompleteRecovery())
	assert.False(t, s.NeedsRecovery())
}

func TestWritesRequireJournal(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	assert.ErrorIs(t, err, basic.ErrNoActiveTransaction)
	assert.ErrorIs(t, s.SetCatalogRoot(3), basic.ErrNoActiveTransaction)
}

func TestAttachJournalTwice(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.AttachJournal(&memJournal{}))
	assert.ErrorIs(t, s.AttachJournal(&memJournal{}), basic.ErrTransactionInProgress)
	s.DetachJournal()
	assert.NoError(t, s.AttachJournal(&memJournal{}))
}

func TestAllocateWriteFlushReopen(t *testing.T) {
	s, path := openTestStore(t)
	j := &memJournal{}
	require.NoError(t, s.AttachJournal(j))

	idx, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	assert.Equal(t, PageIndex(1), idx)
	require.NoError(t, s.Write(idx, heapPage(s, idx, 0xAB)))

	// 未刷盘前已提交视图看不到新页
	_, err = s.ReadCommitted(idx)
	assert.ErrorIs(t, err, basic.ErrOutOfRange)

	staged, err := s.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), staged[common.FileHeaderSize])

	require.NoError(t, s.Flush())
	s.DetachJournal()

	// 页0和页1各记录一次前镜像，页1此前不存在
	require.Len(t, j.images, 2)
	assert.Equal(t, PageIndex(0), j.images[0].Index)
	assert.NotNil(t, j.images[0].Data)
	assert.Equal(t, PageIndex(1), j.images[1].Index)
	assert.Nil(t, j.images[1].Data)

	require.NoError(t, s.Close())

	s2, err := Open(path, testOptions())
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.CompleteRecovery())
	assert.Equal(t, uint32(2), s2.Header().PageCount)

	p, err := s2.ReadCommitted(idx)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), p[len(p)-1])
	assert.Equal(t, common.FIL_PAGE_TYPE_HEAP, PageTypeOf(p))
}

func TestReadOutOfRange(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Read(0)
	assert.True(t, basic.IsOutOfRange(err))
	_, err = s.Read(7)
	assert.True(t, basic.IsOutOfRange(err))
}

func TestFreeListReuse(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.AttachJournal(&memJournal{}))
	defer s.DetachJournal()

	a, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	b, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	require.NoError(t, s.Free(a))
	require.NoError(t, s.Free(b))
	_, err = s.Read(a)
	assert.True(t, basic.IsOutOfRange(err))
	assert.True(t, basic.IsOutOfRange(s.Free(a)))
	require.NoError(t, s.Flush())

	n, err := s.FreePages()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 后释放的先被复用
	c, err := s.Allocate(common.FIL_PAGE_TYPE_CATALOG)
	require.NoError(t, err)
	assert.Equal(t, b, c)
	d, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	assert.Equal(t, a, d)
	e, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	assert.Equal(t, PageIndex(3), e)
	require.NoError(t, s.Flush())

	assert.Equal(t, uint32(4), s.Header().PageCount)
	n, err = s.FreePages()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteValidation(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.AttachJournal(&memJournal{}))
	defer s.DetachJournal()

	idx, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)

	assert.Error(t, s.Write(idx, make([]byte, 10)))
	assert.Error(t, s.Write(idx, NewPage(s.PageSize(), idx, common.FIL_PAGE_TYPE_HEADER)))
	assert.True(t, basic.IsOutOfRange(s.Write(0, heapPage(s, 0, 1))))
	assert.True(t, basic.IsOutOfRange(s.Write(42, heapPage(s, 42, 1))))

	// 写入时页号被改成目标页号
	require.NoError(t, s.Write(idx, heapPage(s, 99, 1)))
	p, err := s.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, idx, IndexOf(p))
}

func TestDiscardRestoresStagedView(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.AttachJournal(&memJournal{}))
	defer s.DetachJournal()

	idx, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	require.NoError(t, s.SetCatalogRoot(idx))
	assert.Equal(t, idx, s.CatalogRoot())
	assert.Equal(t, 2, s.Dirty())

	s.Discard()
	assert.Equal(t, InvalidPage, s.CatalogRoot())
	assert.Equal(t, 0, s.Dirty())
	_, err = s.Read(idx)
	assert.True(t, basic.IsOutOfRange(err))
}

func TestChecksumMismatchIsCorruptPage(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.AttachJournal(&memJournal{}))
	idx, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	s.DetachJournal()
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(idx)*int64(common.MinPageSize)+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(path, testOptions())
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.CompleteRecovery())
	_, err = s2.ReadCommitted(idx)
	assert.True(t, basic.IsCorruptPage(err))
	assert.True(t, basic.IsFatal(err))
}

func TestRestoreUndoesFlushedChanges(t *testing.T) {
	s, path := openTestStore(t)

	require.NoError(t, s.AttachJournal(&memJournal{}))
	first, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	require.NoError(t, s.Write(first, heapPage(s, first, 1)))
	require.NoError(t, s.Flush())
	s.DetachJournal()

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	j := &memJournal{}
	require.NoError(t, s.AttachJournal(j))
	second, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	require.NoError(t, s.Write(first, heapPage(s, first, 2)))
	require.NoError(t, s.Free(first))
	require.NoError(t, s.SetCatalogRoot(second))
	require.NoError(t, s.Flush())

	require.NoError(t, s.Restore(j.images))
	s.DetachJournal()

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	p, err := s.ReadCommitted(first)
	require.NoError(t, err)
	assert.Equal(t, byte(1), p[common.FileHeaderSize])
	assert.Equal(t, InvalidPage, s.Header().CatalogRoot)
}

func TestJournalFailureStopsMutation(t *testing.T) {
	s, _ := openTestStore(t)
	boom := basic.NewIOError("append", os.ErrClosed)
	require.NoError(t, s.AttachJournal(&memJournal{fail: boom}))
	defer s.DetachJournal()

	_, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	assert.True(t, basic.IsIOFailure(err))
	assert.Equal(t, 0, s.Dirty())
}

func TestCorruptHeaderNeedsRestore(t *testing.T) {
	s, path := openTestStore(t)
	good, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	bad := append([]byte(nil), good...)
	bad[hdrPageCount] ^= 0xFF
	require.NoError(t, os.WriteFile(path, bad, 0644))

	s2, err := Open(path, testOptions())
	require.NoError(t, err)
	defer s2.Close()
	assert.True(t, basic.IsCorruptPage(s2.CompleteRecovery()))

	require.NoError(t, s2.Restore([]Image{{Index: 0, Data: good[:common.MinPageSize]}}))
	require.NoError(t, s2.CompleteRecovery())
	assert.Equal(t, uint32(1), s2.Header().PageCount)
}

func TestViewSeesCommittedOnly(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.AttachJournal(&memJournal{}))
	defer s.DetachJournal()

	idx, err := s.Allocate(common.FIL_PAGE_TYPE_HEAP)
	require.NoError(t, err)
	require.NoError(t, s.Write(idx, heapPage(s, idx, 5)))
	require.NoError(t, s.Flush())

	require.NoError(t, s.Write(idx, heapPage(s, idx, 6)))

	v, err := s.View()
	require.NoError(t, err)
	p, err := v.Read(idx)
	require.NoError(t, err)
	assert.Equal(t, byte(5), p[common.FileHeaderSize])
	assert.Equal(t, uint32(2), v.PageCount())
	v.Close()
	v.Close()

	_, err = v.Read(idx)
	assert.ErrorIs(t, err, basic.ErrClosed)
}
