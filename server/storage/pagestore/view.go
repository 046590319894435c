package pagestore

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
)

// View 已提交状态的只读快照。
// 持有期间提交流程的刷盘会被阻塞，用完必须Close。
type View struct {
	s      *FileStore
	header FileHeader
	closed bool
}

var _ Reader = (*View)(nil)

// View 打开一个已提交视图
func (s *FileStore) View() (*View, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, basic.ErrClosed
	}
	if s.headerErr != nil {
		s.mu.RUnlock()
		return nil, basic.ErrRecoveryRequired
	}
	return &View{s: s, header: s.committed}, nil
}

func (v *View) PageSize() int {
	return v.s.pageSize
}

func (v *View) CatalogRoot() PageIndex {
	return v.header.CatalogRoot
}

// PageCount 已提交的页数，含0号页
func (v *View) PageCount() uint32 {
	return v.header.PageCount
}

func (v *View) Read(idx PageIndex) ([]byte, error) {
	if v.closed {
		return nil, basic.ErrClosed
	}
	p, err := v.s.readCommittedLocked(idx, v.header)
	if err != nil {
		return nil, err
	}
	if PageTypeOf(p) == common.FIL_PAGE_TYPE_FREE {
		return nil, errors.Wrapf(basic.ErrOutOfRange, "page %d is free", idx)
	}
	return p, nil
}

// Close 释放读锁，可重复调用
func (v *View) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.s.mu.RUnlock()
}
